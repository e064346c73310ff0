package dissect

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

const ipv6HeaderSize = 40

// IPv6ProtocolID registers IPv6 under its EtherType, taken from
// gopacket/layers.EthernetTypeIPv6 rather than re-declared as a magic
// number.
var IPv6ProtocolID = uint32(layers.EthernetTypeIPv6)

// IPv6 "next header" values that name an extension header rather than an
// upper-layer protocol, per ipv6_parser.hpp's IPv6NextHeader enum.
const (
	nextHeaderHopByHop    = 0
	nextHeaderRouting     = 43
	nextHeaderFragment    = 44
	nextHeaderDestOptions = 60
	nextHeaderNoNext      = 59
)

// IPv6ExtensionHeader is one link in the chain walked between the fixed
// header and the upper-layer payload.
type IPv6ExtensionHeader struct {
	Type       uint8 // the next-header value that introduced this header
	NextHeader uint8
	Length     int // total octets including the 2-byte type/length prefix
	Data       []byte
}

// IPv6Packet is the result of a completed IPv6 dissection.
type IPv6Packet struct {
	Version       uint8
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8 // upper-layer protocol after the extension chain
	HopLimit      uint8
	SrcIP         net.IP
	DstIP         net.IP
	Extensions    []IPv6ExtensionHeader
	Payload       bslice.Slice
}

// IPv6Parser dissects the fixed 40-byte IPv6 header and walks the chain of
// extension headers until it reaches an upper-layer protocol or runs out of
// bytes. Grounded on
// original_source/include/parsers/network/ipv6_parser.hpp's
// version_traffic_flow bit layout and its NextHeader-chain walk.
type IPv6Parser struct {
	phase  parser.Phase
	result IPv6Packet
	errMsg string
}

var _ parser.Contract = (*IPv6Parser)(nil)

func init() {
	parser.Default.Register(IPv6ProtocolID, "IPv6", func() parser.Contract {
		return &IPv6Parser{}
	})
}

func (p *IPv6Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "IPv6", ID: IPv6ProtocolID, Layer: "network"}
}

func (p *IPv6Parser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining()
	if rem.Len() < 1 {
		return false
	}
	return (rem.U8(0)>>4)&0x0F == 6
}

func (p *IPv6Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < ipv6HeaderSize {
		return p.fail(ctx, parser.BufferTooSmall, "ipv6: buffer shorter than 40-byte fixed header")
	}

	vtf := rem.U32BE(0)
	version := uint8((vtf >> 28) & 0x0F)
	if version != 6 {
		return p.fail(ctx, parser.UnsupportedVersion, "ipv6: version field is not 6")
	}

	payloadLength := rem.U16BE(4)
	nextHeader := rem.U8(6)
	hopLimit := rem.U8(7)
	srcIP := append(net.IP(nil), rem.Bytes()[8:24]...)
	dstIP := append(net.IP(nil), rem.Bytes()[24:40]...)

	p.result = IPv6Packet{
		Version:       version,
		TrafficClass:  uint8((vtf >> 20) & 0xFF),
		FlowLabel:     vtf & 0xFFFFF,
		PayloadLength: payloadLength,
		HopLimit:      hopLimit,
		SrcIP:         srcIP,
		DstIP:         dstIP,
	}

	offset := ipv6HeaderSize
	next := nextHeader
	for isIPv6ExtensionHeader(next) {
		if next == nextHeaderNoNext {
			p.result.NextHeader = nextHeaderNoNext
			p.result.Payload = rem.From(offset)
			ctx.Advance(offset)
			p.phase = parser.PhaseComplete
			ctx.Phase = p.phase
			return p.result, parser.Success
		}
		if rem.Len() < offset+2 {
			return p.fail(ctx, parser.BufferTooSmall, "ipv6: truncated extension header")
		}
		hdrNext := rem.U8(offset)
		hdrLenField := rem.U8(offset + 1)

		var extLen int
		if next == nextHeaderFragment {
			extLen = 8 // fragment header has a fixed 8-byte length
		} else {
			extLen = (int(hdrLenField) + 1) * 8
		}
		if rem.Len() < offset+extLen {
			return p.fail(ctx, parser.BufferTooSmall, "ipv6: extension header exceeds available bytes")
		}

		p.result.Extensions = append(p.result.Extensions, IPv6ExtensionHeader{
			Type:       next,
			NextHeader: hdrNext,
			Length:     extLen,
			Data:       append([]byte(nil), rem.Bytes()[offset+2:offset+extLen]...),
		})

		offset += extLen
		next = hdrNext
	}

	p.result.NextHeader = next
	p.result.Payload = rem.From(offset)
	ctx.Advance(offset)
	ctx.SetMetadata("next_protocol", uint16(next))

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func isIPv6ExtensionHeader(next uint8) bool {
	switch next {
	case nextHeaderHopByHop, nextHeaderRouting, nextHeaderFragment, nextHeaderDestOptions, nextHeaderNoNext:
		return true
	default:
		return false
	}
}

func (p *IPv6Parser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	return nil, outcome
}

func (p *IPv6Parser) Reset() { *p = IPv6Parser{} }

func (p *IPv6Parser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *IPv6Parser) ErrorMessage() string { return p.errMsg }
