package dhcp4d_test

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Insei/DHCPServer/internal/dhcp4d"
)

type memPersister struct {
	leases []*dhcp4d.Lease
	stores int
}

func (p *memPersister) Load() (leases []*dhcp4d.Lease, err error) {
	return p.leases, nil
}

func (p *memPersister) Store(leases []*dhcp4d.Lease) (err error) {
	p.stores++
	p.leases = leases

	return nil
}

func newServerConfig(persister dhcp4d.Persister) (cfg *dhcp4d.Config) {
	return &dhcp4d.Config{
		Logger:     slog.Default(),
		Persister:  persister,
		ServerID:   netip.MustParseAddr("192.168.1.1"),
		RangeStart: testRangeStart,
		RangeEnd:   testRangeEnd,
		SubnetMask: netip.MustParseAddr("255.255.255.0"),
		LeaseTime:  testLeaseTime,
	}
}

func TestServer_New_invalidConfig(t *testing.T) {
	_, err := dhcp4d.New(&dhcp4d.Config{}, &faketime.Clock{OnNow: time.Now})
	assert.Error(t, err)
}

func TestServer_New_nilConfig(t *testing.T) {
	_, err := dhcp4d.New(nil, &faketime.Clock{OnNow: time.Now})
	assert.Error(t, err)
}

func TestServer_MakeStatic_persists(t *testing.T) {
	p := &memPersister{}

	s, err := dhcp4d.New(newServerConfig(p), &faketime.Clock{OnNow: time.Now})
	require.NoError(t, err)

	mac := testHWAddr1
	addr := netip.MustParseAddr("192.168.1.15")

	_, err = s.MakeStatic(mac, addr, "static-host")
	require.NoError(t, err)

	assert.Equal(t, 1, p.stores)
	assert.Len(t, s.Leases(), 1)
}

func TestServer_RemoveLease_persists(t *testing.T) {
	p := &memPersister{}

	s, err := dhcp4d.New(newServerConfig(p), &faketime.Clock{OnNow: time.Now})
	require.NoError(t, err)

	mac := testHWAddr1
	addr := netip.MustParseAddr("192.168.1.15")

	_, err = s.MakeStatic(mac, addr, "static-host")
	require.NoError(t, err)

	err = s.RemoveLease(mac)
	assert.ErrorIs(t, err, dhcp4d.ErrStaticViolation)

	_, err = s.MakeDynamic(mac)
	require.NoError(t, err)

	require.NoError(t, s.RemoveLease(mac))
	assert.Empty(t, s.Leases())
}

func TestServer_New_loadsPersistedLeases(t *testing.T) {
	existing := &dhcp4d.Lease{
		HWAddr:    net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0x01},
		Address:   netip.MustParseAddr("192.168.1.12"),
		Status:    dhcp4d.StatusBound,
		LeaseTime: testLeaseTime,
		Start:     time.Now(),
		End:       time.Now().Add(testLeaseTime),
	}

	p := &memPersister{leases: []*dhcp4d.Lease{existing}}

	s, err := dhcp4d.New(newServerConfig(p), &faketime.Clock{OnNow: time.Now})
	require.NoError(t, err)

	leases := s.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, existing.Address, leases[0].Address)
}

func TestServer_Subscribe(t *testing.T) {
	s, err := dhcp4d.New(newServerConfig(nil), &faketime.Clock{OnNow: time.Now})
	require.NoError(t, err)

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	mac := testHWAddr1
	_, err = s.MakeStatic(mac, netip.MustParseAddr("192.168.1.15"), "host")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, dhcp4d.EventAdd, ev.Kind)
	default:
		t.Fatal("expected a lease event")
	}
}
