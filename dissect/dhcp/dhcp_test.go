package dhcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func buildDiscoverPacket() []byte {
	hdr := make([]byte, headerSize)
	hdr[0] = byte(OpBootRequest)
	hdr[1] = 1 // Ethernet
	hdr[2] = 6 // hlen
	// xid
	hdr[4], hdr[5], hdr[6], hdr[7] = 0x11, 0x22, 0x33, 0x44
	hdr[10] = 0x80 // broadcast flag high byte

	cookie := []byte{0x63, 0x82, 0x53, 0x63}

	// option 53 (message type) = 1 (DISCOVER), option 255 END
	options := []byte{OptMessageType, 1, byte(OpcodeDiscover), OptEnd}

	pkt := append(hdr, cookie...)
	return append(pkt, options...)
}

func TestCanParseRequiresMagicCookie(t *testing.T) {
	p := &Parser{}
	pkt := buildDiscoverPacket()
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	require.True(t, p.CanParse(ctx))

	bad := append([]byte(nil), pkt...)
	bad[headerSize] = 0x00
	ctx2 := parser.NewParseContext(bslice.Borrowed(bad))
	require.False(t, p.CanParse(ctx2))
}

func TestParserDecodesDiscoverMessage(t *testing.T) {
	pkt := buildDiscoverPacket()
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.Equal(t, OpBootRequest, msg.Header.Op)
	require.EqualValues(t, 0x11223344, msg.Header.Xid)
	require.True(t, msg.Header.IsBroadcast())

	opcode, ok := msg.MessageType()
	require.True(t, ok)
	require.Equal(t, OpcodeDiscover, opcode)
}

func TestOptionAsIPAndIPList(t *testing.T) {
	opt := Option{Type: OptDNSServer, Data: []byte{8, 8, 8, 8, 1, 1, 1, 1}}
	ips := opt.AsIPList()
	require.Len(t, ips, 2)
	require.Equal(t, "8.8.8.8", ips[0].String())
	require.Equal(t, "1.1.1.1", ips[1].String())
}

func TestStatisticsRecordTracksMessageTypesAndOptions(t *testing.T) {
	pkt := buildDiscoverPacket()
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{Stats: NewStatistics()}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)

	snap := p.Stats.Snapshot()
	require.EqualValues(t, 1, snap.TotalMessages)
	require.EqualValues(t, 1, snap.DiscoverCount)
	require.EqualValues(t, 1, snap.OptionUsage[OptMessageType])
}

func TestParserRejectsShortDatagram(t *testing.T) {
	p := &Parser{Stats: NewStatistics()}
	ctx := parser.NewParseContext(bslice.Borrowed(make([]byte, 10)))
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.InvalidFormat, outcome)
	require.EqualValues(t, 1, p.Stats.Snapshot().MalformedCount)
}
