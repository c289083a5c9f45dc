package dhcp4d

import (
	"net"
	"net/netip"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Engine implements the DHCPv4 protocol state machine: it classifies an
// inbound message, mutates the lease table and pool as the classification
// demands, and builds the corresponding reply along with its destination.
//
// Engine is safe for concurrent use; Handle serializes end-to-end
// processing of one datagram under leasesSync so that a read-then-mutate
// sequence for a given client is never interleaved with another message for
// the same client. leasesSync is distinct from the lease table's own
// internal lock (see [LeaseTable]); the lock order is always
// leasesSync → lease-table lock → pool lock.  Engine does not send replies
// itself: Handle returns them for the caller to send.  The optional address
// probe (see [AddressChecker]) runs under leasesSync, but never under the
// lease-table or pool lock.
type Engine struct {
	cfg   *Config
	table *LeaseTable
	check AddressChecker

	leasesSync sync.Mutex

	traceC  chan string
	statusC chan StatusChange
}

// StatusChange is delivered on an [Engine]'s status channel when the server
// becomes active or inactive.
type StatusChange struct {
	// Reason is nil on a clean stop, or the fault that caused shutdown.
	Reason error
	Active bool
}

// NewEngine returns an Engine over table, configured by cfg.  cfg must have
// been validated by the caller.
func NewEngine(cfg *Config, table *LeaseTable) (e *Engine) {
	check := cfg.AddressChecker
	if check == nil {
		check = noopAddressChecker{}
	}

	return &Engine{
		cfg:     cfg,
		table:   table,
		check:   check,
		traceC:  make(chan string, eventBufSize),
		statusC: make(chan StatusChange, 4),
	}
}

// Trace returns the channel on which the engine reports diagnostic
// messages that do not rise to the level of a Go error (a dropped
// malformed datagram, a declined address).
func (e *Engine) Trace() (events <-chan string) {
	return e.traceC
}

// StatusChanges returns the channel on which the engine reports
// active/inactive transitions.
func (e *Engine) StatusChanges() (events <-chan StatusChange) {
	return e.statusC
}

// trace emits msg on the trace channel without blocking: a full channel
// drops the oldest entry to make room, matching the lease table's event
// delivery policy.
func (e *Engine) trace(msg string) {
	select {
	case e.traceC <- msg:
	default:
		select {
		case <-e.traceC:
		default:
		}

		select {
		case e.traceC <- msg:
		default:
		}
	}
}

// reply is a built response together with where to send it.  send is false
// when the message must be silently dropped.
type reply struct {
	dest *net.UDPAddr
	data []byte
	send bool
}

// Handle classifies and processes one inbound datagram received from peer,
// returning the encoded response and its destination, or send=false if
// nothing should be sent.
func (e *Engine) Handle(peer *net.UDPAddr, data []byte) (dest *net.UDPAddr, out []byte, send bool) {
	e.leasesSync.Lock()
	defer e.leasesSync.Unlock()

	req, err := decodeRequest(data)
	if err != nil {
		e.trace("dropping malformed datagram from " + peer.String() + ": " + err.Error())

		return nil, nil, false
	}

	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, nil, false
	}

	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		e.trace("building reply skeleton: " + err.Error())

		return nil, nil, false
	}

	resp.UpdateOption(dhcpv4.OptServerIdentifier(ipFromAddr(e.cfg.ServerID)))

	if rai := relayAgentInfo(req); rai != nil {
		resp.UpdateOption(dhcpv4.Option{
			Code:  dhcpv4.OptionRelayAgentInformation,
			Value: dhcpv4.OptionGeneric{Data: rai.Raw},
		})
	}

	r := e.dispatch(req, resp)
	if !r.send {
		return nil, nil, false
	}

	return r.dest, r.data, true
}

// dispatch routes req to the handler for its message type and returns the
// built reply.
func (e *Engine) dispatch(req, resp *dhcpv4.DHCPv4) (r reply) {
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return e.handleDiscover(req, resp)
	case dhcpv4.MessageTypeRequest:
		return e.handleRequest(req, resp)
	case dhcpv4.MessageTypeDecline:
		return e.handleDecline(req)
	case dhcpv4.MessageTypeRelease:
		return e.handleRelease(req)
	case dhcpv4.MessageTypeInform:
		return e.handleInform(req, resp)
	default:
		return reply{send: false}
	}
}

// maxAvailabilityRetries bounds how many times handleDiscover will allocate
// a fresh address after the [AddressChecker] finds the previous candidate
// occupied, so a run of occupied addresses can't loop the engine forever.
const maxAvailabilityRetries = 4

// handleDiscover handles a DISCOVER message.
func (e *Engine) handleDiscover(req, resp *dhcpv4.DHCPv4) (r reply) {
	mac := req.ClientHWAddr
	hostname := string(req.Options.Get(dhcpv4.OptionHostName))
	clientID := req.Options.Get(dhcpv4.OptionClientIdentifier)

	for attempt := 0; attempt < maxAvailabilityRetries; attempt++ {
		l, ok := e.table.Get(mac)
		if !ok {
			var err error
			l, err = e.table.Create(mac)
			if err != nil {
				return reply{send: false}
			}
		}

		// Only an address that tryUpdate is about to draw from the pool is
		// probed; a lease that already holds one is offered it again as is.
		fresh := !l.Address.IsValid()

		l.Hostname = hostname
		l.ClientID = clientID
		l.Status = StatusOffered

		err := e.tryUpdate(l)
		if err != nil {
			e.trace("discover from " + hwAddrString(mac) + ": " + err.Error())

			return reply{send: false}
		}

		l, _ = e.table.Get(mac)
		if fresh && !e.checkAvailability(l) {
			// checkAvailability has already parked l under a cooldown key
			// detached from mac (see DeclineBlocked), so the next iteration
			// starts from a bare Create and lands on a different address.
			continue
		}

		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
		resp.YourIPAddr = ipFromAddr(l.Address)
		e.fillLeaseOptions(resp, req, l)

		return e.finishOfferAck(req, resp)
	}

	e.trace("discover from " + hwAddrString(mac) + ": no available address after " +
		"exhausting availability retries")

	return reply{send: false}
}

// tryUpdate calls table.Update, evicting the oldest expired lease and
// retrying once if the pool is exhausted and an address still needs to be
// allocated.
func (e *Engine) tryUpdate(l *Lease) (err error) {
	err = e.table.Update(l)
	if err == nil {
		return nil
	}

	if err != ErrPoolExhausted {
		return err
	}

	if _, ok := e.table.EvictOldestExpired(); !ok {
		return err
	}

	return e.table.Update(l)
}

// checkAvailability probes a freshly allocated address and reports whether
// it is safe to offer. If another host answers for it, the lease is parked
// Blocked (see [LeaseTable.DeclineBlocked]) and checkAvailability returns
// false so the caller retries allocation for a different address. Declared
// separately from handleDiscover's main line so the common (no checker
// configured) path never touches the network.
func (e *Engine) checkAvailability(l *Lease) (available bool) {
	if _, ok := e.check.(noopAddressChecker); ok {
		return true
	}

	avail, err := e.check.IsAvailable(l.Address)
	if err != nil || avail {
		return true
	}

	e.trace("address " + l.Address.String() + " already in use, blocking lease for " + hwAddrString(l.HWAddr))

	_ = e.table.DeclineBlocked(l.HWAddr, e.cfg.blockedLeaseCooldown())

	return false
}

// handleRequest handles a REQUEST message, dispatching on which of opt 54 ("server
// identifier"), opt 50 ("requested address"), and ciaddr are present.
func (e *Engine) handleRequest(req, resp *dhcpv4.DHCPv4) (r reply) {
	mac := req.ClientHWAddr
	sidRaw := req.Options.Get(dhcpv4.OptionServerIdentifier)
	reqIPRaw := req.Options.Get(dhcpv4.OptionRequestedIPAddress)
	ciaddr, _ := netip.AddrFromSlice(req.ClientIPAddr.To4())

	switch {
	case len(sidRaw) != 0:
		return e.handleRequestSelecting(req, resp, mac, sidRaw, reqIPRaw)
	case ciaddr.IsValid() && !ciaddr.IsUnspecified():
		return e.handleRequestRenewing(req, resp, mac, ciaddr)
	case len(reqIPRaw) != 0:
		return e.handleRequestInitReboot(req, resp, mac, reqIPRaw)
	default:
		return reply{send: false}
	}
}

// handleRequestSelecting handles a REQUEST in the SELECTING case.
func (e *Engine) handleRequestSelecting(
	req, resp *dhcpv4.DHCPv4,
	mac net.HardwareAddr,
	sidRaw, reqIPRaw []byte,
) (r reply) {
	sid, ok := netip.AddrFromSlice(sidRaw)
	if !ok || sid != e.cfg.ServerID {
		// The client chose another server: drop any outstanding offer.
		if l, found := e.table.Get(mac); found && l.Status == StatusOffered {
			_ = e.table.Remove(mac)
		}

		return reply{send: false}
	}

	// A static lease is never moved out of Bound (see [LeaseTable.Update]),
	// so for it the OFFER just sent counts as outstanding.
	l, ok := e.table.Get(mac)
	if !ok || (l.Status != StatusOffered && !l.Static) {
		return e.nak(req, resp)
	}

	reqIP, ok := netip.AddrFromSlice(reqIPRaw)
	if !ok || reqIP != l.Address {
		_ = e.table.Remove(mac)

		return e.nak(req, resp)
	}

	l.Status = StatusBound
	err := e.table.Update(l)
	if err != nil {
		return e.nak(req, resp)
	}

	l, _ = e.table.Get(mac)
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
	resp.YourIPAddr = ipFromAddr(l.Address)
	e.fillLeaseOptions(resp, req, l)

	return e.finishOfferAck(req, resp)
}

// handleRequestRenewing handles a REQUEST in the RENEWING/REBINDING case.
func (e *Engine) handleRequestRenewing(
	req, resp *dhcpv4.DHCPv4,
	mac net.HardwareAddr,
	ciaddr netip.Addr,
) (r reply) {
	l, ok := e.table.Get(mac)

	switch {
	case ok && l.Address == ciaddr:
		l.Status = StatusBound
		err := e.table.Update(l)
		if err != nil {
			return e.nak(req, resp)
		}

		l, _ = e.table.Get(mac)
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		resp.YourIPAddr = ipFromAddr(l.Address)
		e.fillLeaseOptions(resp, req, l)

		return e.finishOfferAck(req, resp)

	case ok && l.Static:
		return e.nak(req, resp)

	case ok:
		_ = e.table.Remove(mac)

		return e.allocateSpecificAndOffer(req, resp, mac, ciaddr, StatusBound, dhcpv4.MessageTypeAck)

	default:
		return e.allocateSpecificAndOffer(req, resp, mac, ciaddr, StatusOffered, dhcpv4.MessageTypeOffer)
	}
}

// allocateSpecificAndOffer reserves addr in the pool, creates a lease for
// mac bound to it with the given status, and replies with msgType on
// success, or NAKs (no-lease case) / drops (stale-lease case) on failure,
// for the RENEWING/REBINDING case.
func (e *Engine) allocateSpecificAndOffer(
	req, resp *dhcpv4.DHCPv4,
	mac net.HardwareAddr,
	addr netip.Addr,
	status Status,
	msgType dhcpv4.MessageType,
) (r reply) {
	err := e.table.AllocateSpecific(addr)
	if err != nil {
		if msgType == dhcpv4.MessageTypeAck {
			// Stale-lease path: another client took the address, drop silently.
			return reply{send: false}
		}

		return e.nak(req, resp)
	}

	l, err := e.table.Create(mac)
	if err != nil {
		e.table.MarkUnused(addr)

		return reply{send: false}
	}

	l.Address = addr
	l.Status = status

	err = e.table.Update(l)
	if err != nil {
		e.table.MarkUnused(addr)

		return reply{send: false}
	}

	l, _ = e.table.Get(mac)
	resp.UpdateOption(dhcpv4.OptMessageType(msgType))
	resp.YourIPAddr = ipFromAddr(l.Address)
	e.fillLeaseOptions(resp, req, l)

	return e.finishOfferAck(req, resp)
}

// handleRequestInitReboot handles a REQUEST in the INIT-REBOOT case.
func (e *Engine) handleRequestInitReboot(
	req, resp *dhcpv4.DHCPv4,
	mac net.HardwareAddr,
	reqIPRaw []byte,
) (r reply) {
	reqIP, ok := netip.AddrFromSlice(reqIPRaw)
	if !ok {
		return reply{send: false}
	}

	l, found := e.table.Get(mac)
	if found && l.Status == StatusBound && l.Address == reqIP {
		l.Status = StatusBound
		err := e.table.Update(l)
		if err != nil {
			return e.nak(req, resp)
		}

		l, _ = e.table.Get(mac)
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		resp.YourIPAddr = ipFromAddr(l.Address)
		e.fillLeaseOptions(resp, req, l)

		return e.finishOfferAck(req, resp)
	}

	if found {
		_ = e.table.Remove(mac)
	}

	return e.nak(req, resp)
}

// handleDecline handles a DECLINE message.
func (e *Engine) handleDecline(req *dhcpv4.DHCPv4) (r reply) {
	sidRaw := req.Options.Get(dhcpv4.OptionServerIdentifier)
	sid, ok := netip.AddrFromSlice(sidRaw)
	if !ok || sid != e.cfg.ServerID {
		return reply{send: false}
	}

	mac := req.ClientHWAddr

	l, found := e.table.Get(mac)
	if !found {
		return reply{send: false}
	}

	reqIPRaw := req.Options.Get(dhcpv4.OptionRequestedIPAddress)
	if reqIP, ok := netip.AddrFromSlice(reqIPRaw); ok && reqIP == l.Address {
		e.table.MarkUnused(l.Address)
	}

	_ = e.table.Remove(mac)

	return reply{send: false}
}

// handleRelease handles a RELEASE message.
func (e *Engine) handleRelease(req *dhcpv4.DHCPv4) (r reply) {
	sidRaw := req.Options.Get(dhcpv4.OptionServerIdentifier)
	sid, ok := netip.AddrFromSlice(sidRaw)
	if !ok || sid != e.cfg.ServerID {
		return reply{send: false}
	}

	mac := req.ClientHWAddr

	l, found := e.table.Get(mac)
	if !found {
		return reply{send: false}
	}

	ciaddr, _ := netip.AddrFromSlice(req.ClientIPAddr.To4())
	if ciaddr == l.Address {
		l.Status = StatusReleased
		_ = e.table.Update(l)
	} else {
		_ = e.table.Remove(mac)
	}

	return reply{send: false}
}

// handleInform handles an INFORM message.
func (e *Engine) handleInform(req, resp *dhcpv4.DHCPv4) (r reply) {
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
	resp.YourIPAddr = net.IPv4zero

	if req.IsOptionRequested(dhcpv4.OptionSubnetMask) {
		resp.UpdateOption(dhcpv4.OptSubnetMask(ipv4Mask(e.cfg.SubnetMask)))
	}

	applyConfiguredOptions(resp, req, e.cfg)

	ciaddr, ok := netip.AddrFromSlice(req.ClientIPAddr.To4())
	if !ok || ciaddr.IsUnspecified() {
		return reply{send: false}
	}

	return reply{
		send: true,
		dest: &net.UDPAddr{IP: ipFromAddr(ciaddr), Port: dhcpv4.ClientPort},
		data: encodeReply(resp, e.cfg.minPacketSize()),
	}
}

// fillLeaseOptions adds the IP address lease time and the server's base
// options, then merges the lease's own per-lease options and the
// operator's configured option table filtered by req's Parameter Request
// List.
func (e *Engine) fillLeaseOptions(resp, req *dhcpv4.DHCPv4, l *Lease) {
	for _, opt := range baseOptions(e.cfg, l.LeaseTime) {
		resp.UpdateOption(opt)
	}

	applyLeaseOptions(resp, l)
	applyConfiguredOptions(resp, req, e.cfg)
}

// nak builds a minimal NAK reply: the message type and the server
// identifier, plus the relay agent information Handle echoes for a relayed
// request.  It carries no lease options and no subnet mask.
func (e *Engine) nak(req, resp *dhcpv4.DHCPv4) (r reply) {
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
	resp.YourIPAddr = net.IPv4zero

	return reply{
		send: true,
		dest: e.nakDestination(req),
		data: encodeReply(resp, e.cfg.minPacketSize()),
	}
}

// nakDestination picks the destination for a NAK reply.
func (e *Engine) nakDestination(req *dhcpv4.DHCPv4) (dest *net.UDPAddr) {
	if !req.GatewayIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.GatewayIPAddr, Port: dhcpv4.ServerPort}
	}

	return BroadcastAddr()
}

// finishOfferAck encodes resp and picks its destination using the
// OFFER/ACK decision tree.
func (e *Engine) finishOfferAck(req, resp *dhcpv4.DHCPv4) (r reply) {
	return reply{
		send: true,
		dest: e.offerAckDestination(req),
		data: encodeReply(resp, e.cfg.minPacketSize()),
	}
}

// offerAckDestination implements the decision tree for the destination of an OFFER/ACK reply to a
// REQUEST.
func (e *Engine) offerAckDestination(req *dhcpv4.DHCPv4) (dest *net.UDPAddr) {
	if !req.GatewayIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.GatewayIPAddr, Port: dhcpv4.ServerPort}
	}

	if !req.ClientIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.ClientIPAddr, Port: dhcpv4.ClientPort}
	}

	return BroadcastAddr()
}
