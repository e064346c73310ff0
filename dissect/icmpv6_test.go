package dissect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func TestICMPv6ParsesEchoRequest(t *testing.T) {
	pkt := make([]byte, 8)
	pkt[0] = ICMPv6EchoRequest
	pkt[4], pkt[5] = 0x00, 0x2A // id 42
	pkt[6], pkt[7] = 0x00, 0x01 // seq 1

	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &ICMPv6Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	icmp := result.(ICMPv6Packet)
	require.EqualValues(t, 42, icmp.Identifier())
	require.EqualValues(t, 1, icmp.Sequence())
	require.Len(t, icmp.NDOptions, 0)
}

func TestICMPv6ParsesNeighborSolicitationWithOptions(t *testing.T) {
	hdr := make([]byte, 8)
	hdr[0] = ICMPv6NeighborSolicitation
	// Source link-layer address option: type 1, length 1 (8 bytes total).
	// This dissector walks ND options starting immediately after the
	// 8-byte common header; fixed per-message fields like NS's 16-byte
	// target address are left for a higher-level consumer to interpret
	// from Payload, matching icmpv6_parser.hpp's NDOption walk which
	// operates purely on option TLVs.
	opt := []byte{NDOptSourceLinkLayerAddr, 1, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	pkt := append(hdr, opt...)

	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &ICMPv6Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	icmp := result.(ICMPv6Packet)
	require.Len(t, icmp.NDOptions, 1)
	require.EqualValues(t, NDOptSourceLinkLayerAddr, icmp.NDOptions[0].Type)
}

func TestICMPv6ChecksumVerificationWithPseudoHeader(t *testing.T) {
	src := make([]byte, 16)
	dst := make([]byte, 16)
	src[15], dst[15] = 1, 2

	pkt := make([]byte, 8)
	pkt[0] = ICMPv6EchoRequest

	p := &ICMPv6Parser{}
	p.SetIPv6Addresses(src, dst)
	sum := icmpv6PseudoHeaderChecksum(src, dst, pkt)
	pkt[2], pkt[3] = byte(sum>>8), byte(sum)

	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	require.True(t, result.(ICMPv6Packet).ChecksumValid)
}
