package dissect

import (
	"github.com/google/gopacket/layers"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

const sctpHeaderSize = 12
const sctpChunkHeaderSize = 4

// SCTPProtocolID registers SCTP under its IP protocol number, taken from
// gopacket/layers.IPProtocolSCTP rather than re-declared as a magic number.
const SCTPProtocolID = uint8(layers.IPProtocolSCTP)

// SCTP chunk types, per sctp_parser.hpp's SCTPChunkType enum.
const (
	SCTPChunkData             = 0
	SCTPChunkInit             = 1
	SCTPChunkInitAck          = 2
	SCTPChunkSACK             = 3
	SCTPChunkHeartbeat        = 4
	SCTPChunkHeartbeatAck     = 5
	SCTPChunkAbort            = 6
	SCTPChunkShutdown         = 7
	SCTPChunkShutdownAck      = 8
	SCTPChunkError            = 9
	SCTPChunkCookieEcho       = 10
	SCTPChunkCookieAck        = 11
	SCTPChunkShutdownComplete = 14
)

// SCTPChunk is one chunk walked out of the chunk area following the common
// header.
type SCTPChunk struct {
	Type   uint8
	Flags  uint8
	Length uint16
	Value  []byte
}

// SCTPPacket is the result of a completed SCTP dissection.
type SCTPPacket struct {
	SrcPort          uint16
	DstPort          uint16
	VerificationTag  uint32
	Checksum         uint32
	Chunks           []SCTPChunk
	Payload          bslice.Slice
}

// SCTPParser dissects the 12-byte common header and walks the chunk area.
// Grounded on original_source/include/parsers/sctp_parser.hpp.
type SCTPParser struct {
	phase  parser.Phase
	result SCTPPacket
	errMsg string
}

var _ parser.Contract = (*SCTPParser)(nil)

func init() {
	parser.Default.Register(uint32(SCTPProtocolID), "SCTP", func() parser.Contract {
		return &SCTPParser{}
	})
}

func (p *SCTPParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "SCTP", ID: uint32(SCTPProtocolID), Layer: "transport"}
}

func (p *SCTPParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= sctpHeaderSize+sctpChunkHeaderSize
}

func (p *SCTPParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < sctpHeaderSize {
		return p.fail(ctx, parser.BufferTooSmall, "sctp: buffer shorter than 12-byte common header")
	}

	p.result = SCTPPacket{
		SrcPort:         rem.U16BE(0),
		DstPort:         rem.U16BE(2),
		VerificationTag: rem.U32BE(4),
		Checksum:        rem.U32BE(8),
	}

	offset := sctpHeaderSize
	for rem.Len() >= offset+sctpChunkHeaderSize {
		chunkType := rem.U8(offset)
		chunkFlags := rem.U8(offset + 1)
		chunkLen := int(rem.U16BE(offset + 2))
		if chunkLen < sctpChunkHeaderSize {
			return p.fail(ctx, parser.InvalidFormat, "sctp: chunk length smaller than chunk header")
		}
		if rem.Len() < offset+chunkLen {
			return p.fail(ctx, parser.BufferTooSmall, "sctp: chunk exceeds available bytes")
		}

		value := append([]byte(nil), rem.Bytes()[offset+sctpChunkHeaderSize:offset+chunkLen]...)
		p.result.Chunks = append(p.result.Chunks, SCTPChunk{
			Type:   chunkType,
			Flags:  chunkFlags,
			Length: uint16(chunkLen),
			Value:  value,
		})

		// Chunks are padded to a 4-byte boundary (RFC 4960 §3.2).
		padded := chunkLen
		if rem := padded % 4; rem != 0 {
			padded += 4 - rem
		}
		offset += padded
	}

	p.result.Payload = rem.From(offset)
	ctx.Advance(offset)
	ctx.SetMetadata("src_port", p.result.SrcPort)
	ctx.SetMetadata("dst_port", p.result.DstPort)

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func (p *SCTPParser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	return nil, outcome
}

func (p *SCTPParser) Reset() { *p = SCTPParser{} }

func (p *SCTPParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *SCTPParser) ErrorMessage() string { return p.errMsg }
