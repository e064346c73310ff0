package dissect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func buildIPv6Header(nextHeader uint8, payload []byte) []byte {
	hdr := make([]byte, 40)
	hdr[0] = 0x60 // version 6
	hdr[4], hdr[5] = byte(len(payload)>>8), byte(len(payload))
	hdr[6] = nextHeader
	hdr[7] = 64 // hop limit
	for i := 0; i < 16; i++ {
		hdr[8+i] = byte(i + 1)
	}
	for i := 0; i < 16; i++ {
		hdr[24+i] = byte(i + 100)
	}
	return append(hdr, payload...)
}

func TestIPv6ParsesFixedHeaderWithNoExtensions(t *testing.T) {
	pkt := buildIPv6Header(TCPProtocolID, []byte{1, 2, 3})
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv6Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	ip := result.(IPv6Packet)
	require.Equal(t, uint8(6), ip.Version)
	require.EqualValues(t, TCPProtocolID, ip.NextHeader)
	require.Len(t, ip.Extensions, 0)
	require.Equal(t, []byte{1, 2, 3}, ip.Payload.Bytes())
}

func TestIPv6WalksHopByHopExtensionChain(t *testing.T) {
	// Hop-by-hop: next header TCP, length field 0 -> total 8 bytes.
	hopByHop := []byte{TCPProtocolID, 0, 0, 0, 0, 0, 0, 0}
	payload := append(hopByHop, []byte{9, 9}...)
	pkt := buildIPv6Header(nextHeaderHopByHop, payload)

	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv6Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	ip := result.(IPv6Packet)
	require.Len(t, ip.Extensions, 1)
	require.EqualValues(t, nextHeaderHopByHop, ip.Extensions[0].Type)
	require.EqualValues(t, TCPProtocolID, ip.NextHeader)
	require.Equal(t, []byte{9, 9}, ip.Payload.Bytes())
}

func TestIPv6RejectsBadVersion(t *testing.T) {
	pkt := buildIPv6Header(TCPProtocolID, nil)
	pkt[0] = 0x40
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv6Parser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.UnsupportedVersion, outcome)
}

func TestIPv6NoNextHeaderTerminatesChain(t *testing.T) {
	pkt := buildIPv6Header(nextHeaderNoNext, nil)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv6Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	ip := result.(IPv6Packet)
	require.EqualValues(t, nextHeaderNoNext, ip.NextHeader)
}
