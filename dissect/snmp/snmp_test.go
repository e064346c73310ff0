package snmp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func berTLV(tag byte, value []byte) []byte {
	out := []byte{tag}
	if len(value) < 0x80 {
		out = append(out, byte(len(value)))
	} else {
		out = append(out, 0x81, byte(len(value)))
	}
	return append(out, value...)
}

func berInt(v int64) []byte {
	if v == 0 {
		return berTLV(byte(BERInteger), []byte{0})
	}
	return berTLV(byte(BERInteger), []byte{byte(v)})
}

// buildOID encodes a dotted OID (e.g. 1.3.6.1.2.1) into BER form.
func buildOID(arcs []uint32) []byte {
	body := []byte{byte(arcs[0]*40 + arcs[1])}
	for _, arc := range arcs[2:] {
		body = append(body, byte(arc))
	}
	return berTLV(byte(BERObjectIdentifier), body)
}

func buildGetRequest(community string, requestID int64, oid []uint32) []byte {
	varbind := berTLV(byte(BERSequence), append(buildOID(oid), berTLV(byte(BERNull), nil)...))
	varbindList := berTLV(byte(BERSequence), varbind)

	pduBody := append(berInt(requestID), berInt(0)...) // request-id, error-status
	pduBody = append(pduBody, berInt(0)...)             // error-index
	pduBody = append(pduBody, varbindList...)
	pdu := berTLV(pduGetRequest, pduBody)

	msgBody := append(berInt(int64(Version1)), berTLV(byte(BEROctetString), []byte(community))...)
	msgBody = append(msgBody, pdu...)
	return berTLV(byte(BERSequence), msgBody)
}

func TestCanParseRequiresBERSequence(t *testing.T) {
	p := &Parser{}
	ctx := parser.NewParseContext(bslice.Borrowed([]byte{0x02, 0x01, 0x00}))
	require.False(t, p.CanParse(ctx))

	ctx2 := parser.NewParseContext(bslice.Borrowed(buildGetRequest("public", 1, []uint32{1, 3, 6, 1, 2, 1})))
	require.True(t, p.CanParse(ctx2))
}

func TestParserDecodesGetRequest(t *testing.T) {
	pkt := buildGetRequest("public", 42, []uint32{1, 3, 6, 1, 2, 1, 1})
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.Equal(t, Version1, msg.Version)
	require.Equal(t, "public", msg.Community)
	require.Equal(t, PDUGetRequest, msg.PDU.Type)
	require.EqualValues(t, 42, msg.PDU.RequestID)
	require.Len(t, msg.PDU.VariableBindings, 1)
	require.Equal(t, "1.3.6.1.2.1.1", msg.PDU.VariableBindings[0].OID.String())
	require.True(t, msg.PDU.VariableBindings[0].IsNull())
}

func TestParserRejectsTruncatedMessage(t *testing.T) {
	p := &Parser{}
	ctx := parser.NewParseContext(bslice.Borrowed([]byte{0x30, 0x10, 0x02, 0x01, 0x00}))
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.InvalidFormat, outcome)
}

func TestOIDIsPrefixOf(t *testing.T) {
	base := OID{1, 3, 6, 1}
	full := OID{1, 3, 6, 1, 2, 1}
	require.True(t, base.IsPrefixOf(full))
	require.False(t, full.IsPrefixOf(base))
}

func TestStatisticsRecordTracksVersionAndCommunity(t *testing.T) {
	stats := NewStatistics()
	msg := Message{Version: Version1, Community: "public", PDU: PDU{Type: PDUGetRequest}}
	stats.Record(msg)
	stats.Record(msg)

	snap := stats.Snapshot()
	require.EqualValues(t, 2, snap.TotalMessages)
	require.EqualValues(t, 2, snap.V1Messages)
	require.EqualValues(t, 2, snap.GetRequests)
	require.EqualValues(t, 2, snap.CommunityUsage["public"])
}

func TestMessageV3FlagsEncryptedAndAuthenticated(t *testing.T) {
	msg := Message{Version: Version3, V3Flags: 0x03}
	require.True(t, msg.IsV3())
	require.True(t, msg.IsAuthenticated())
	require.True(t, msg.IsEncrypted())
}
