package dissect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func TestEthernetParsesPlainFrame(t *testing.T) {
	frame := []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // dst
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, // src
		0x08, 0x00, // IPv4
		0xAA, 0xBB, // payload
	}
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &EthernetParser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	eth := result.(EthernetFrame)
	require.True(t, eth.DstMAC.IsBroadcast())
	require.Equal(t, uint16(0x0800), eth.EtherType)
	require.Nil(t, eth.VLAN)
	require.Equal(t, parser.PhaseComplete, ctx.Phase)
	require.Equal(t, 14, ctx.Offset)
	require.Equal(t, []byte{0xAA, 0xBB}, eth.Payload.Bytes())
}

func TestEthernetParsesVLANTaggedFrame(t *testing.T) {
	frame := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
		0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
		0x81, 0x00, // 802.1Q
		0x00, 0x64, // VLAN ID 100
		0x08, 0x00, // inner EtherType IPv4
		0xCC,
	}
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &EthernetParser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	eth := result.(EthernetFrame)
	require.NotNil(t, eth.VLAN)
	require.EqualValues(t, 100, eth.VLAN.VLANID())
	require.Equal(t, uint16(0x0800), eth.NextProtocol)
	vlanID, ok := ctx.Metadata.Get("vlan_id")
	require.True(t, ok)
	require.EqualValues(t, 100, vlanID)
}

func TestEthernetRejectsShortFrame(t *testing.T) {
	ctx := parser.NewParseContext(bslice.Borrowed(make([]byte, 10)))
	p := &EthernetParser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.BufferTooSmall, outcome)
	require.Equal(t, parser.PhaseError, ctx.Phase)
}
