package dhcp4d_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"

	"github.com/Insei/DHCPServer/internal/dhcp4d"
)

func TestStatus_String(t *testing.T) {
	testCases := []struct {
		status dhcp4d.Status
		want   string
	}{
		{dhcp4d.StatusCreated, "created"},
		{dhcp4d.StatusOffered, "offered"},
		{dhcp4d.StatusBound, "bound"},
		{dhcp4d.StatusReleased, "released"},
		{dhcp4d.Status(100), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.status.String())
		})
	}
}

func TestLease_Clone(t *testing.T) {
	l := &dhcp4d.Lease{
		HWAddr:   net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		ClientID: []byte{0xAA, 0xBB},
		Hostname: "host",
		Address:  netip.MustParseAddr("192.168.1.1"),
		Options: []dhcp4d.Option{
			{Code: dhcpv4.GenericOptionCode(1), Data: []byte{1, 2, 3}},
		},
		Status: dhcp4d.StatusBound,
	}

	clone := l.Clone()

	assert.Equal(t, l.HWAddr.String(), clone.HWAddr.String())
	assert.Equal(t, l.ClientID, clone.ClientID)
	assert.Equal(t, l.Hostname, clone.Hostname)
	assert.Equal(t, l.Address, clone.Address)
	assert.Equal(t, l.Options, clone.Options)

	// Mutating the clone must not affect the original.
	clone.HWAddr[0] = 0xFF
	clone.Options[0].Data[0] = 0xFF
	assert.NotEqual(t, l.HWAddr[0], clone.HWAddr[0])
	assert.NotEqual(t, l.Options[0].Data[0], clone.Options[0].Data[0])
}

func TestLease_Clone_nil(t *testing.T) {
	var l *dhcp4d.Lease

	assert.Nil(t, l.Clone())
}
