// Package dhcp4d implements a DHCPv4 server: lease table, address pool, and
// the RFC 2131 message state machine, independent of how messages reach the
// wire.
package dhcp4d
