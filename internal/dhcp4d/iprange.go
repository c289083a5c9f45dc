package dhcp4d

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// maxRangeLen is the largest number of addresses an [ipRange] may span.  The
// pool's bitset indexes offsets with a uint64 but the allocator only ever
// deals in IPv4, so a uint32 ceiling keeps offset arithmetic simple.  It
// admits every IPv4 range except the full /0, which has one address more.
const maxRangeLen = math.MaxUint32

// ipRange is an inclusive range of IPv4 addresses.  It is immutable once
// constructed and safe for concurrent use.
type ipRange struct {
	start netip.Addr
	end   netip.Addr
	// length is end - start + 1, cached at construction.
	length uint64
}

// newIPRange returns the inclusive range [start, end].  start must be
// strictly less than end, both must be pure IPv4 (4-in-6 addresses are
// rejected), and the range must not exceed maxRangeLen addresses.
func newIPRange(start, end netip.Addr) (r ipRange, err error) {
	defer func() { err = errors.Annotate(err, "address range %s-%s: %w", start, end) }()

	if !start.Is4() || !end.Is4() {
		return ipRange{}, errors.Error("only ipv4 ranges are supported")
	}

	if !start.Less(end) {
		return ipRange{}, fmt.Errorf("start must be less than end")
	}

	diff := new(big.Int).Sub(
		new(big.Int).SetBytes(end.AsSlice()),
		new(big.Int).SetBytes(start.AsSlice()),
	)
	if !diff.IsUint64() || diff.Uint64() >= maxRangeLen {
		return ipRange{}, fmt.Errorf("range length must be within %d", maxRangeLen)
	}

	return ipRange{start: start, end: end, length: diff.Uint64() + 1}, nil
}

// contains reports whether ip falls within r.
func (r ipRange) contains(ip netip.Addr) (ok bool) {
	return ip.Is4() && !ip.Less(r.start) && !r.end.Less(ip)
}

// offset returns how far ip is from r.start, and false if ip is not in r.
func (r ipRange) offset(ip netip.Addr) (off uint64, ok bool) {
	if !r.contains(ip) {
		return 0, false
	}

	s, i := r.start.As4(), ip.As4()

	return uint64(binary.BigEndian.Uint32(i[:])) - uint64(binary.BigEndian.Uint32(s[:])), true
}

// addrAt returns the address off positions after r.start.  The caller must
// ensure off < r.length.
func (r ipRange) addrAt(off uint64) (ip netip.Addr) {
	s := r.start.As4()
	v := binary.BigEndian.Uint32(s[:]) + uint32(off)

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return netip.AddrFrom4(b)
}

// String implements the fmt.Stringer interface for ipRange.
func (r ipRange) String() (s string) {
	return fmt.Sprintf("%s-%s", r.start, r.end)
}

// ParsePoolRange parses s as either a hyphenated inclusive range
// ("a.b.c.d-a.b.c.e") or an IPv4 CIDR prefix ("a.b.c.d/n") and returns the
// first and last address it describes.  For a CIDR prefix, start and end are
// the network and broadcast addresses of the prefix, network bits included.
func ParsePoolRange(s string) (start, end netip.Addr, err error) {
	defer func() { err = errors.Annotate(err, "parsing pool range %q: %w", s) }()

	if before, after, ok := strings.Cut(s, "-"); ok {
		start, err = netip.ParseAddr(strings.TrimSpace(before))
		if err != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("parsing range start: %w", err)
		}

		end, err = netip.ParseAddr(strings.TrimSpace(after))
		if err != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("parsing range end: %w", err)
		}

		return start, end, nil
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("must be a hyphenated range or a cidr prefix: %w", err)
	}

	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return netip.Addr{}, netip.Addr{}, errors.Error("only ipv4 prefixes are supported")
	}

	start = prefix.Addr()

	bits := prefix.Bits()
	hostBits := 32 - bits

	s4 := start.As4()
	v := binary.BigEndian.Uint32(s4[:])
	if hostBits < 32 {
		v |= uint32(1)<<uint(hostBits) - 1
	} else {
		v = math.MaxUint32
	}

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	end = netip.AddrFrom4(b)

	return start, end, nil
}
