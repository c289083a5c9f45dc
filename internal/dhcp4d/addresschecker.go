package dhcp4d

import (
	"net/netip"
	"time"

	"github.com/go-ping/ping"
)

// AddressChecker probes a candidate address for availability before the
// engine offers it to a client for the first time.  IsAvailable returns
// false if some other host already answers for ip.
type AddressChecker interface {
	IsAvailable(ip netip.Addr) (ok bool, err error)
}

// noopAddressChecker is the [AddressChecker] used when a [Config] supplies
// none: every address is reported available.
type noopAddressChecker struct{}

// IsAvailable implements the [AddressChecker] interface for
// noopAddressChecker.
func (noopAddressChecker) IsAvailable(netip.Addr) (ok bool, err error) {
	return true, nil
}

// ICMPAddressChecker probes a candidate address with a single ICMP echo
// request and reports it unavailable if it gets a reply.
type ICMPAddressChecker struct {
	// Timeout bounds how long to wait for a reply.  It must be positive.
	Timeout time.Duration
}

// type check
var _ AddressChecker = (*ICMPAddressChecker)(nil)

// IsAvailable implements the [AddressChecker] interface for
// *ICMPAddressChecker.  A failure to even send the probe is treated as
// "available", matching the conservative behavior of not blocking
// allocation on a broken or unprivileged ICMP path.
func (c *ICMPAddressChecker) IsAvailable(ip netip.Addr) (ok bool, err error) {
	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		return true, nil
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = c.Timeout
	pinger.Count = 1

	var gotReply bool
	pinger.OnRecv = func(*ping.Packet) {
		gotReply = true
	}

	err = pinger.Run()
	if err != nil {
		return true, nil
	}

	return !gotReply, nil
}
