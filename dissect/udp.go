package dissect

import (
	"github.com/google/gopacket/layers"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

const udpHeaderSize = 8

// UDPProtocolID registers UDP under its IP protocol number, taken from
// gopacket/layers.IPProtocolUDP rather than re-declared as a magic number.
const UDPProtocolID = uint8(layers.IPProtocolUDP)

// UDPDatagram is the result of a completed UDP dissection.
type UDPDatagram struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Payload  bslice.Slice
}

// UDPParser dissects the fixed 8-byte UDP header. Grounded on
// original_source/include/parsers/transport/udp_parser.hpp.
type UDPParser struct {
	phase  parser.Phase
	result UDPDatagram
	errMsg string
}

var _ parser.Contract = (*UDPParser)(nil)

func init() {
	parser.Default.Register(uint32(UDPProtocolID), "UDP", func() parser.Contract {
		return &UDPParser{}
	})
}

func (p *UDPParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "UDP", ID: uint32(UDPProtocolID), Layer: "transport"}
}

func (p *UDPParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= udpHeaderSize
}

func (p *UDPParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < udpHeaderSize {
		p.errMsg = "udp: buffer shorter than 8-byte header"
		p.phase = parser.PhaseError
		ctx.Phase = p.phase
		return nil, parser.BufferTooSmall
	}

	length := rem.U16BE(4)
	p.result = UDPDatagram{
		SrcPort:  rem.U16BE(0),
		DstPort:  rem.U16BE(2),
		Length:   length,
		Checksum: rem.U16BE(6),
	}

	payloadEnd := int(length)
	if payloadEnd < udpHeaderSize || payloadEnd > rem.Len() {
		payloadEnd = rem.Len()
	}
	p.result.Payload = rem.Sub(udpHeaderSize, payloadEnd)
	ctx.Advance(payloadEnd)
	ctx.SetMetadata("src_port", p.result.SrcPort)
	ctx.SetMetadata("dst_port", p.result.DstPort)

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func (p *UDPParser) Reset() { *p = UDPParser{} }

func (p *UDPParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *UDPParser) ErrorMessage() string { return p.errMsg }
