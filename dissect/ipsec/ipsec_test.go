package ipsec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func buildESPPacket(spi, seq uint32, payload []byte) []byte {
	pkt := make([]byte, 8)
	pkt[0] = byte(spi >> 24)
	pkt[1] = byte(spi >> 16)
	pkt[2] = byte(spi >> 8)
	pkt[3] = byte(spi)
	pkt[4] = byte(seq >> 24)
	pkt[5] = byte(seq >> 16)
	pkt[6] = byte(seq >> 8)
	pkt[7] = byte(seq)
	return append(pkt, payload...)
}

func TestESPParserDecodesHeaderAndPayload(t *testing.T) {
	pkt := buildESPPacket(0xAABBCCDD, 1, []byte{0x01, 0x02, 0x03, 0x04})
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &ESPParser{Stats: NewStatistics(), Monitor: NewSecurityMonitor()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(ESPMessage)

	require.EqualValues(t, 0xAABBCCDD, msg.Header.SPI)
	require.EqualValues(t, 1, msg.Header.Sequence)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, msg.EncryptedPayload)

	snap := p.Stats.Snapshot()
	require.EqualValues(t, 1, snap.ESPPackets)
	require.EqualValues(t, 1, snap.SPIUsage[0xAABBCCDD])
}

func TestESPParserRejectsShortDatagram(t *testing.T) {
	p := &ESPParser{Stats: NewStatistics()}
	ctx := parser.NewParseContext(bslice.Borrowed([]byte{0x01, 0x02}))
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.BufferTooSmall, outcome)
	require.EqualValues(t, 1, p.Stats.Snapshot().Malformed)
}

func TestSecurityMonitorDetectsReplayedESPSequence(t *testing.T) {
	mon := NewSecurityMonitor()
	first := mon.ObserveESP(ESPMessage{Header: ESPHeader{SPI: 1, Sequence: 5}})
	require.False(t, first.ReplayAttackDetected)

	second := mon.ObserveESP(ESPMessage{Header: ESPHeader{SPI: 1, Sequence: 5}})
	require.True(t, second.ReplayAttackDetected)
}

func TestAHParserDecodesHeader(t *testing.T) {
	pkt := []byte{
		6,          // next header (TCP)
		2,          // payload length words
		0, 0,       // reserved
		0, 0, 0, 1, // spi
		0, 0, 0, 1, // sequence
		0xDE, 0xAD, 0xBE, 0xEF, // ICV: payload_len=2 gives a 16-byte header, so 4 ICV bytes; the next 8 follow the header
		0x11, 0x22, 0x33, 0x44,
		0x55, 0x66, 0x77, 0x88,
	}
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &AHParser{Stats: NewStatistics(), Monitor: NewSecurityMonitor()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(AHMessage)
	require.EqualValues(t, 6, msg.Header.NextHeader)
	require.EqualValues(t, 1, msg.Header.SPI)
}

func TestNegotiateAlgorithmsInfluencesAnalysis(t *testing.T) {
	mon := NewSecurityMonitor()
	mon.NegotiateAlgorithms(42, 12, 5, true)

	a := mon.ObserveESP(ESPMessage{Header: ESPHeader{SPI: 42, Sequence: 1}})
	require.Equal(t, "AES-GCM-16", a.EncryptionAlgorithm)
	require.True(t, a.StrongEncryption)
	require.True(t, a.TunnelMode)
}

func TestDetectDowngradeFlagsAllWeakProposal(t *testing.T) {
	require.True(t, DetectDowngrade([]uint8{1, 5}))  // DES, 3DES only
	require.False(t, DetectDowngrade([]uint8{1, 12})) // DES offered alongside AES-GCM
}

func TestIKEParserDecodesHeaderAndPayloads(t *testing.T) {
	hdr := make([]byte, ikeHeaderSize)
	hdr[17] = 0x20 // IKEv2
	hdr[16] = 33   // next payload: Security Association

	payload := []byte{0, 0, 0, 8, 0xAA, 0xAA, 0xAA, 0xAA} // next=0, length=8, 4 bytes data
	full := append(hdr, payload...)
	binLen := len(full)
	full[27] = byte(binLen)
	full[26] = byte(binLen >> 8)

	ctx := parser.NewParseContext(bslice.Borrowed(full))
	p := &IKEParser{Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(IKEMessage)
	require.Len(t, msg.Payloads, 1)
	require.Equal(t, "Security Association", msg.Payloads[0].Name())
}
