package dhcp4d

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelayAgentInfo(t *testing.T) {
	raw := []byte{
		subOptAgentCircuitID, 4, 'e', 't', 'h', '0',
		subOptAgentRemoteID, 3, 'a', 'b', 'c',
	}

	info := parseRelayAgentInfo(raw)

	assert.Equal(t, raw, info.Raw)
	assert.Equal(t, []byte("eth0"), info.AgentCircuitID)
	assert.Equal(t, []byte("abc"), info.AgentRemoteID)
}

func TestParseRelayAgentInfo_unknownSubOption(t *testing.T) {
	raw := []byte{99, 2, 'x', 'y', subOptAgentCircuitID, 3, 'f', 'o', 'o'}

	info := parseRelayAgentInfo(raw)

	assert.Equal(t, []byte("foo"), info.AgentCircuitID)
	assert.Nil(t, info.AgentRemoteID)
}

func TestParseRelayAgentInfo_truncated(t *testing.T) {
	raw := []byte{subOptAgentCircuitID, 10, 'a', 'b'}

	info := parseRelayAgentInfo(raw)

	assert.Equal(t, raw, info.Raw)
	assert.Nil(t, info.AgentCircuitID)
}

func TestRelayAgentInfo_absent(t *testing.T) {
	req := &dhcpv4.DHCPv4{}

	assert.Nil(t, relayAgentInfo(req))
}

func TestPadToMinSize(t *testing.T) {
	b := []byte{1, 2, 3}

	padded := padToMinSize(b, 5)
	assert.Len(t, padded, 5)
	assert.Equal(t, b, padded[:3])

	unchanged := padToMinSize(b, 2)
	assert.Equal(t, b, unchanged)
}

func TestClampMinPacketSize(t *testing.T) {
	assert.Equal(t, minPacketSizeFloor, clampMinPacketSize(0))
	assert.Equal(t, minPacketSizeFloor, clampMinPacketSize(minPacketSizeFloor-1))
	assert.Equal(t, 600, clampMinPacketSize(600))
}

func TestDecodeRequest_emptyHWAddr(t *testing.T) {
	req, err := dhcpv4.New()
	require.NoError(t, err)

	req.ClientHWAddr = net.HardwareAddr{}

	_, err = decodeRequest(req.ToBytes())
	assert.Error(t, err)
}

func TestDecodeRequest_roundTrip(t *testing.T) {
	req, err := dhcpv4.New()
	require.NoError(t, err)

	req.ClientHWAddr = net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	decoded, err := decodeRequest(req.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, req.ClientHWAddr.String(), decoded.ClientHWAddr.String())
}

func TestEncodeReply_pads(t *testing.T) {
	resp, err := dhcpv4.New()
	require.NoError(t, err)

	b := encodeReply(resp, defaultMinPacketSize)
	assert.GreaterOrEqual(t, len(b), defaultMinPacketSize)
}
