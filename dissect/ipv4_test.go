package dissect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

// buildIPv4Header constructs a valid 20-byte IPv4 header (no options) with a
// correct checksum, followed by payload.
func buildIPv4Header(t *testing.T, payload []byte) []byte {
	t.Helper()
	hdr := make([]byte, 20)
	hdr[0] = 0x45 // version 4, IHL 5
	hdr[1] = 0x00
	total := 20 + len(payload)
	hdr[2] = byte(total >> 8)
	hdr[3] = byte(total)
	hdr[8] = 64  // TTL
	hdr[9] = TCPProtocolID
	hdr[12], hdr[13], hdr[14], hdr[15] = 10, 0, 0, 1
	hdr[16], hdr[17], hdr[18], hdr[19] = 10, 0, 0, 2

	sum := ipv4Checksum(hdr)
	hdr[10] = byte(sum >> 8)
	hdr[11] = byte(sum)

	return append(hdr, payload...)
}

func TestIPv4ParsesValidHeaderAndChecksum(t *testing.T) {
	pkt := buildIPv4Header(t, []byte{1, 2, 3, 4})
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv4Parser{VerifyChecksum: true, ParseOptions: true}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	ip := result.(IPv4Packet)
	require.Equal(t, uint8(4), ip.Version)
	require.Equal(t, uint8(5), ip.IHL)
	require.True(t, ip.ChecksumValid)
	require.Equal(t, "10.0.0.1", ip.SrcIP.String())
	require.Equal(t, "10.0.0.2", ip.DstIP.String())
	require.Equal(t, uint8(TCPProtocolID), ip.Protocol)
	require.Equal(t, []byte{1, 2, 3, 4}, ip.Payload.Bytes())
	require.False(t, ip.IsFragment())
}

func TestIPv4DetectsCorruptedChecksum(t *testing.T) {
	pkt := buildIPv4Header(t, nil)
	pkt[10] ^= 0xFF
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv4Parser{VerifyChecksum: true}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	require.False(t, result.(IPv4Packet).ChecksumValid)
}

func TestIPv4ParsesOptions(t *testing.T) {
	hdr := make([]byte, 24)
	hdr[0] = 0x46 // IHL 6 -> 24 bytes
	total := 24
	hdr[2], hdr[3] = byte(total>>8), byte(total)
	hdr[9] = UDPProtocolID
	// NOP, then a 2-byte option of type 0x44 with 0 bytes data beyond header.
	hdr[20] = 1 // NOP
	hdr[21] = 0x44
	hdr[22] = 2 // length 2 (type+length only)
	hdr[23] = 0 // end of options

	ctx := parser.NewParseContext(bslice.Borrowed(hdr))
	p := &IPv4Parser{VerifyChecksum: false, ParseOptions: true}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	ip := result.(IPv4Packet)
	require.Len(t, ip.Options, 2)
	require.EqualValues(t, 1, ip.Options[0].Type)
	require.EqualValues(t, 0x44, ip.Options[1].Type)
}

func TestIPv4RejectsBadVersion(t *testing.T) {
	hdr := buildIPv4Header(t, nil)
	hdr[0] = 0x55 // version 5
	ctx := parser.NewParseContext(bslice.Borrowed(hdr))
	p := &IPv4Parser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.UnsupportedVersion, outcome)
	require.Equal(t, parser.PhaseError, ctx.Phase)
}

func TestIPv4FragmentFlags(t *testing.T) {
	pkt := buildIPv4Header(t, nil)
	// Set more-fragments flag and a non-zero offset.
	pkt[6] = 0x20 // MF bit
	pkt[7] = 0x08 // offset 8*8=64
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &IPv4Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	ip := result.(IPv4Packet)
	require.True(t, ip.MoreFragments)
	require.EqualValues(t, 64, ip.FragmentOffset)
	require.True(t, ip.IsFragment())
}
