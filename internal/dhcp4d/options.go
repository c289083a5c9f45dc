package dhcp4d

import (
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ipFromAddr converts a [netip.Addr] to the net.IP form the wire codec's
// option constructors expect.
func ipFromAddr(a netip.Addr) (ip net.IP) {
	return net.IP(a.AsSlice())
}

// ipv4Mask converts a [netip.Addr] holding a dotted mask (e.g.
// 255.255.255.0) to a [net.IPMask].
func ipv4Mask(a netip.Addr) (mask net.IPMask) {
	return net.IPMask(a.AsSlice())
}

// baseOptions builds the common option set every OFFER and lease ACK
// carries: server identifier, subnet mask, lease time, router (if
// configured), and DNS servers (if configured).  NAK and INFORM replies are
// built without it.
func baseOptions(c *Config, leaseTime time.Duration) (opts []dhcpv4.Option) {
	opts = []dhcpv4.Option{
		dhcpv4.OptServerIdentifier(ipFromAddr(c.ServerID)),
		dhcpv4.OptSubnetMask(ipv4Mask(c.SubnetMask)),
		dhcpv4.OptIPAddressLeaseTime(leaseTime),
	}

	if c.Router.Is4() {
		opts = append(opts, dhcpv4.OptRouter(ipFromAddr(c.Router)))
	}

	if len(c.DNSServers) > 0 {
		ips := make([]net.IP, 0, len(c.DNSServers))
		for _, a := range c.DNSServers {
			ips = append(ips, ipFromAddr(a))
		}

		opts = append(opts, dhcpv4.OptDNS(ips...))
	}

	return opts
}

// applyLeaseOptions merges l's per-lease options into resp, overwriting any
// option already present with the same code.  An [Option] with nil Data
// removes that code from resp instead.
func applyLeaseOptions(resp *dhcpv4.DHCPv4, l *Lease) {
	for _, o := range l.Options {
		if o.Data == nil {
			resp.Options.Del(o.Code.Code())

			continue
		}

		resp.UpdateOption(leaseOptionCode(o.Code, o.Data))
	}
}

// applyConfiguredOptions walks c.Options and merges into resp every one
// whose mode is [OptionForce], or that appears in req's Parameter Request
// List, provided the code is not already present in resp.
func applyConfiguredOptions(resp, req *dhcpv4.DHCPv4, c *Config) {
	for _, co := range c.Options {
		if resp.Options.Get(co.Code.Code()) != nil {
			continue
		}

		if co.Mode != OptionForce && !req.IsOptionRequested(co.Code) {
			continue
		}

		resp.UpdateOption(leaseOptionCode(co.Code, co.Data))
	}
}
