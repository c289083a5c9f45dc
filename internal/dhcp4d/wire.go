package dhcp4d

import (
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// OptionCode identifies a DHCP option, see RFC 2132.  It is an alias of the
// wire codec's own option-code type so option items built here round-trip
// through it without conversion.
type OptionCode = dhcpv4.OptionCode

// MessageType is a DHCP message type (option 53 value), see RFC 2131 §3.1.
type MessageType = dhcpv4.MessageType

// Message types the engine classifies and dispatches on.
const (
	MessageTypeDiscover = dhcpv4.MessageTypeDiscover
	MessageTypeOffer    = dhcpv4.MessageTypeOffer
	MessageTypeRequest  = dhcpv4.MessageTypeRequest
	MessageTypeDecline  = dhcpv4.MessageTypeDecline
	MessageTypeAck      = dhcpv4.MessageTypeAck
	MessageTypeNak      = dhcpv4.MessageTypeNak
	MessageTypeRelease  = dhcpv4.MessageTypeRelease
	MessageTypeInform   = dhcpv4.MessageTypeInform
)

// defaultMinPacketSize is the minimum DHCP message size the engine pads
// outbound replies to, per option 57 (Maximum DHCP Message Size) and the
// historical BOOTP minimum.  See RFC 1542 §2.1.
const defaultMinPacketSize = 576

// minPacketSizeFloor is the smallest minimum_packet_size the engine accepts
// in configuration; smaller configured values are raised to it.
const minPacketSizeFloor = 312

// RelayAgentInfo is a parsed view of option 82 (Relay Agent Information, RFC
// 3046): a nested TLV list carried inside the outer option's bytes.  The raw
// bytes are preserved unparsed alongside the view so a reply can echo the
// option back unchanged.
type RelayAgentInfo struct {
	// Raw is the verbatim option 82 payload as received.
	Raw []byte

	// AgentCircuitID is sub-option 1, if present.
	AgentCircuitID []byte

	// AgentRemoteID is sub-option 2, if present.
	AgentRemoteID []byte
}

// Relay agent information sub-option codes, RFC 3046 §2.1.
const (
	subOptAgentCircuitID = 1
	subOptAgentRemoteID  = 2
)

// parseRelayAgentInfo decodes raw as a sequence of (code, length, value)
// sub-options.  Unknown sub-option codes are skipped; a malformed trailing
// sub-option stops parsing but does not discard the already-parsed fields or
// the raw bytes.
func parseRelayAgentInfo(raw []byte) (info *RelayAgentInfo) {
	info = &RelayAgentInfo{
		Raw: append([]byte(nil), raw...),
	}

	for i := 0; i+2 <= len(raw); {
		code, l := raw[i], int(raw[i+1])
		i += 2

		if i+l > len(raw) {
			return info
		}

		val := raw[i : i+l]
		i += l

		switch code {
		case subOptAgentCircuitID:
			info.AgentCircuitID = append([]byte(nil), val...)
		case subOptAgentRemoteID:
			info.AgentRemoteID = append([]byte(nil), val...)
		}
	}

	return info
}

// relayAgentInfo returns the parsed option 82 of req, or nil if req carries
// none.
func relayAgentInfo(req *dhcpv4.DHCPv4) (info *RelayAgentInfo) {
	raw := req.Options.Get(dhcpv4.OptionRelayAgentInformation)
	if raw == nil {
		return nil
	}

	return parseRelayAgentInfo(raw)
}

// padToMinSize appends RFC 1542 padding after the End option (255) so the
// encoded packet is at least minSize bytes, as some BOOTP relays and clients
// require.
func padToMinSize(b []byte, minSize int) (padded []byte) {
	if len(b) >= minSize {
		return b
	}

	padded = make([]byte, minSize)
	copy(padded, b)

	return padded
}

// clampMinPacketSize returns size if it is at least [minPacketSizeFloor],
// otherwise the floor.
func clampMinPacketSize(size int) (clamped int) {
	if size < minPacketSizeFloor {
		return minPacketSizeFloor
	}

	return size
}

// encodeReply serializes resp, applying minPacketSize padding.
func encodeReply(resp *dhcpv4.DHCPv4, minPacketSize int) (b []byte) {
	return padToMinSize(resp.ToBytes(), clampMinPacketSize(minPacketSize))
}

// decodeRequest parses b as an inbound DHCPv4 message.
func decodeRequest(b []byte) (req *dhcpv4.DHCPv4, err error) {
	req, err = dhcpv4.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("decoding dhcpv4 message: %w", err)
	}

	if len(req.ClientHWAddr) == 0 {
		return nil, errors.Error("empty client hardware address")
	}

	return req, nil
}

// leaseOptionCode builds a [dhcpv4.Option] directly from raw bytes, used to
// merge a [Lease]'s per-lease options into a reply.
func leaseOptionCode(code OptionCode, data []byte) (opt dhcpv4.Option) {
	return dhcpv4.Option{Code: code, Value: dhcpv4.OptionGeneric{Data: data}}
}

// hwAddrString renders mac the same way [hwKey] does, for log messages.
func hwAddrString(mac net.HardwareAddr) (s string) {
	return mac.String()
}
