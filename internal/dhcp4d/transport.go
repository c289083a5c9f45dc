package dhcp4d

import (
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// Transport is a UDP datagram socket bound to the DHCP server port with
// broadcast enabled.  It hands received datagrams to a handler and lets the
// engine send replies back out, without knowing anything about the DHCP
// message format itself.
type Transport struct {
	conn net.PacketConn
}

// NewTransport binds a UDP socket for interface ifaceName at addr (normally
// 0.0.0.0:67), with broadcast and address reuse enabled, as DHCP servers
// require.
func NewTransport(ifaceName string, addr *net.UDPAddr) (t *Transport, err error) {
	conn, err := server4.NewIPv4UDPConn(ifaceName, addr)
	if err != nil {
		return nil, fmt.Errorf("binding dhcp transport on %s: %w", ifaceName, err)
	}

	return &Transport{conn: conn}, nil
}

// Handler processes one received datagram.  peer is where to send any
// reply by default; a [Handler] may choose a different destination (e.g.
// broadcast) based on the message's flags.
type Handler func(peer *net.UDPAddr, data []byte)

// Serve reads datagrams until the connection is closed or read fails, and
// dispatches each to handle in its own goroutine so a slow client does not
// stall others.
func (t *Transport) Serve(handle Handler) (err error) {
	buf := make([]byte, 4096)

	for {
		n, addr, rerr := t.conn.ReadFrom(buf)
		if rerr != nil {
			return rerr
		}

		peer, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		go handle(peer, data)
	}
}

// Send sends data to dst, which may be a relay, the client directly, or the
// broadcast address: the engine has already decided which.
func (t *Transport) Send(data []byte, dst *net.UDPAddr) (err error) {
	_, err = t.conn.WriteTo(data, dst)

	return err
}

// BroadcastAddr is the destination used for replies the engine decides to
// broadcast to the client port.
func BroadcastAddr() (addr *net.UDPAddr) {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
}

// Close shuts down the underlying socket.
func (t *Transport) Close() (err error) {
	return t.conn.Close()
}
