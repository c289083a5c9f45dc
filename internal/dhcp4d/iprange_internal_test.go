package dhcp4d

import (
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIPRange(t *testing.T) {
	start := netip.MustParseAddr("192.168.1.1")
	end := netip.MustParseAddr("192.168.1.3")
	v6 := netip.MustParseAddr("2001:db8::1")

	testCases := []struct {
		name       string
		wantErrMsg string
		start      netip.Addr
		end        netip.Addr
	}{{
		name:       "success",
		wantErrMsg: "",
		start:      start,
		end:        end,
	}, {
		name:       "start_gt_end",
		wantErrMsg: `address range 192.168.1.3-192.168.1.1: start must be less than end`,
		start:      end,
		end:        start,
	}, {
		name:       "start_eq_end",
		wantErrMsg: `address range 192.168.1.1-192.168.1.1: start must be less than end`,
		start:      start,
		end:        start,
	}, {
		name:       "not_ipv4",
		wantErrMsg: `address range 2001:db8::1-192.168.1.1: only ipv4 ranges are supported`,
		start:      v6,
		end:        start,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newIPRange(tc.start, tc.end)
			testutil.AssertErrorMsg(t, tc.wantErrMsg, err)
		})
	}
}

func TestIPRange_Contains(t *testing.T) {
	start, end := netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.3")
	r, err := newIPRange(start, end)
	require.NoError(t, err)

	assert.True(t, r.contains(start))
	assert.True(t, r.contains(netip.MustParseAddr("192.168.1.2")))
	assert.True(t, r.contains(end))

	assert.False(t, r.contains(netip.MustParseAddr("192.168.1.0")))
	assert.False(t, r.contains(netip.MustParseAddr("192.168.1.4")))
}

func TestIPRange_Offset(t *testing.T) {
	start, end := netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.5")
	r, err := newIPRange(start, end)
	require.NoError(t, err)

	testCases := []struct {
		name       string
		in         netip.Addr
		wantOffset uint64
		wantOK     bool
	}{{
		name:       "in",
		in:         netip.MustParseAddr("192.168.1.2"),
		wantOffset: 1,
		wantOK:     true,
	}, {
		name:       "in_start",
		in:         start,
		wantOffset: 0,
		wantOK:     true,
	}, {
		name:       "in_end",
		in:         end,
		wantOffset: 4,
		wantOK:     true,
	}, {
		name:       "out_after",
		in:         netip.MustParseAddr("192.168.1.6"),
		wantOffset: 0,
		wantOK:     false,
	}, {
		name:       "out_before",
		in:         netip.MustParseAddr("192.168.1.0"),
		wantOffset: 0,
		wantOK:     false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			offset, ok := r.offset(tc.in)
			assert.Equal(t, tc.wantOffset, offset)
			assert.Equal(t, tc.wantOK, ok)
		})
	}
}

func TestIPRange_AddrAt(t *testing.T) {
	start, end := netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.5")
	r, err := newIPRange(start, end)
	require.NoError(t, err)

	assert.Equal(t, start, r.addrAt(0))
	assert.Equal(t, netip.MustParseAddr("192.168.1.3"), r.addrAt(2))
	assert.Equal(t, end, r.addrAt(4))
}

func TestParsePoolRange(t *testing.T) {
	testCases := []struct {
		name       string
		in         string
		wantStart  netip.Addr
		wantEnd    netip.Addr
		wantErrMsg string
	}{{
		name:       "hyphenated",
		in:         "192.168.1.10-192.168.1.20",
		wantStart:  netip.MustParseAddr("192.168.1.10"),
		wantEnd:    netip.MustParseAddr("192.168.1.20"),
		wantErrMsg: "",
	}, {
		name:       "hyphenated_spaces",
		in:         " 192.168.1.10 - 192.168.1.20 ",
		wantStart:  netip.MustParseAddr("192.168.1.10"),
		wantEnd:    netip.MustParseAddr("192.168.1.20"),
		wantErrMsg: "",
	}, {
		name:       "cidr",
		in:         "192.168.1.0/24",
		wantStart:  netip.MustParseAddr("192.168.1.0"),
		wantEnd:    netip.MustParseAddr("192.168.1.255"),
		wantErrMsg: "",
	}, {
		name:       "cidr_unaligned_host_bits_masked",
		in:         "192.168.1.5/24",
		wantStart:  netip.MustParseAddr("192.168.1.0"),
		wantEnd:    netip.MustParseAddr("192.168.1.255"),
		wantErrMsg: "",
	}, {
		name:       "cidr_slash32",
		in:         "192.168.1.10/32",
		wantStart:  netip.MustParseAddr("192.168.1.10"),
		wantEnd:    netip.MustParseAddr("192.168.1.10"),
		wantErrMsg: "",
	}, {
		name:       "cidr_slash0",
		in:         "0.0.0.0/0",
		wantStart:  netip.MustParseAddr("0.0.0.0"),
		wantEnd:    netip.MustParseAddr("255.255.255.255"),
		wantErrMsg: "",
	}, {
		name:       "bad_range_start",
		in:         "bad-192.168.1.20",
		wantErrMsg: `parsing pool range "bad-192.168.1.20": parsing range start: ParseAddr("bad"): unable to parse IP`,
	}, {
		name:       "bad_range_end",
		in:         "192.168.1.10-bad",
		wantErrMsg: `parsing pool range "192.168.1.10-bad": parsing range end: ParseAddr("bad"): unable to parse IP`,
	}, {
		name:       "not_a_range_or_cidr",
		in:         "not-an-address",
		wantErrMsg: `parsing pool range "not-an-address": parsing range start: ParseAddr("not"): unable to parse IP`,
	}, {
		name:       "garbage",
		in:         "garbage",
		wantErrMsg: `parsing pool range "garbage": must be a hyphenated range or a cidr prefix: netip.ParsePrefix("garbage"): no '/'`,
	}, {
		name:       "ipv6_cidr_rejected",
		in:         "2001:db8::/32",
		wantErrMsg: `parsing pool range "2001:db8::/32": only ipv4 prefixes are supported`,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, err := ParsePoolRange(tc.in)
			if tc.wantErrMsg != "" {
				testutil.AssertErrorMsg(t, tc.wantErrMsg, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantStart, start)
			assert.Equal(t, tc.wantEnd, end)
		})
	}
}
