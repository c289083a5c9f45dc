package filestore_test

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Insei/DHCPServer/internal/dhcp4d"
	"github.com/Insei/DHCPServer/internal/persist/filestore"
)

func TestStore_Load_missingFile(t *testing.T) {
	s := filestore.New(filepath.Join(t.TempDir(), "leases.json"))

	leases, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestStore_StoreLoad_roundTrip(t *testing.T) {
	s := filestore.New(filepath.Join(t.TempDir(), "leases.json"))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []*dhcp4d.Lease{{
		HWAddr:    net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0x01},
		ClientID:  []byte{1, 2, 3},
		Hostname:  "host-1",
		Address:   netip.MustParseAddr("192.168.1.10"),
		Options:   []dhcp4d.Option{{Code: dhcpv4.GenericOptionCode(60), Data: []byte("vendor")}},
		Start:     now,
		End:       now.Add(time.Hour),
		LeaseTime: time.Hour,
		Status:    dhcp4d.StatusBound,
		Static:    true,
		Blocked:   false,
	}, {
		HWAddr:    net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0x02},
		Hostname:  "host-2",
		Address:   netip.MustParseAddr("192.168.1.11"),
		Start:     now,
		End:       now.Add(time.Hour),
		LeaseTime: time.Hour,
		Status:    dhcp4d.StatusReleased,
		Blocked:   true,
	}}

	require.NoError(t, s.Store(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, len(want))

	for i, l := range want {
		assert.Equal(t, l.HWAddr.String(), got[i].HWAddr.String())
		assert.Equal(t, l.ClientID, got[i].ClientID)
		assert.Equal(t, l.Hostname, got[i].Hostname)
		assert.Equal(t, l.Address, got[i].Address)
		assert.Equal(t, l.Options, got[i].Options)
		assert.True(t, l.Start.Equal(got[i].Start))
		assert.True(t, l.End.Equal(got[i].End))
		assert.Equal(t, l.LeaseTime, got[i].LeaseTime)
		assert.Equal(t, l.Status, got[i].Status)
		assert.Equal(t, l.Static, got[i].Static)
		assert.Equal(t, l.Blocked, got[i].Blocked)
	}
}

func TestStore_Store_overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.json")
	s := filestore.New(path)

	first := []*dhcp4d.Lease{{
		HWAddr:  net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0x01},
		Address: netip.MustParseAddr("192.168.1.10"),
		Status:  dhcp4d.StatusBound,
	}}
	require.NoError(t, s.Store(first))

	require.NoError(t, s.Store(nil))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_Load_corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o640))

	s := filestore.New(path)

	_, err := s.Load()
	assert.Error(t, err)
}
