package dissect

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

const icmpHeaderSize = 8

// ICMPProtocolID registers ICMPv4 under its IP protocol number, taken from
// gopacket/layers.IPProtocolICMPv4 rather than re-declared as a magic
// number.
const ICMPProtocolID = uint8(layers.IPProtocolICMPv4)

// ICMP message types, per icmp_parser.hpp's ICMPType namespace (v4 subset).
const (
	ICMPEchoReply       = 0
	ICMPDestUnreachable = 3
	ICMPSourceQuench    = 4
	ICMPRedirect        = 5
	ICMPEchoRequest     = 8
	ICMPTimeExceeded    = 11
	ICMPParamProblem    = 12
	ICMPTimestampReq    = 13
	ICMPTimestampRep    = 14
)

// ICMPPacket is the result of a completed ICMPv4 dissection.
type ICMPPacket struct {
	Type          uint8
	Code          uint8
	Checksum      uint16
	Rest          uint32
	ChecksumValid bool
	Payload       bslice.Slice
}

// Identifier returns the Echo request/reply identifier encoded in Rest.
func (p ICMPPacket) Identifier() uint16 { return uint16(p.Rest >> 16) }

// Sequence returns the Echo request/reply sequence number encoded in Rest.
func (p ICMPPacket) Sequence() uint16 { return uint16(p.Rest & 0xFFFF) }

// ICMPParser dissects the fixed 8-byte ICMP header and verifies its
// checksum (no pseudo-header is needed for ICMPv4, unlike ICMPv6). Grounded
// on original_source/include/parsers/network/icmp_parser.hpp.
type ICMPParser struct {
	phase          parser.Phase
	result         ICMPPacket
	errMsg         string
	VerifyChecksum bool
}

var _ parser.Contract = (*ICMPParser)(nil)

func init() {
	parser.Default.Register(uint32(ICMPProtocolID), "ICMP", func() parser.Contract {
		return &ICMPParser{VerifyChecksum: true}
	})
}

func (p *ICMPParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "ICMP", ID: uint32(ICMPProtocolID), Layer: "network"}
}

func (p *ICMPParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= icmpHeaderSize
}

func (p *ICMPParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < icmpHeaderSize {
		p.errMsg = "icmp: buffer shorter than 8-byte header"
		p.phase = parser.PhaseError
		ctx.Phase = p.phase
		return nil, parser.BufferTooSmall
	}

	p.result = ICMPPacket{
		Type:     rem.U8(0),
		Code:     rem.U8(1),
		Checksum: rem.U16BE(2),
		Rest:     rem.U32BE(4),
	}
	if p.VerifyChecksum {
		p.result.ChecksumValid = ipv4Checksum(rem.Bytes()) == 0
	}
	p.result.Payload = rem.From(icmpHeaderSize)
	ctx.Advance(rem.Len())

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func (p *ICMPParser) Reset() {
	verify := p.VerifyChecksum
	*p = ICMPParser{VerifyChecksum: verify}
}

func (p *ICMPParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *ICMPParser) ErrorMessage() string { return p.errMsg }

// icmpv6PseudoHeaderChecksum computes the ICMPv6 checksum including its
// IPv6 pseudo-header (RFC 8200 §8.1): source/destination address, upper
// layer payload length, zero-padded next-header field set to 58.
func icmpv6PseudoHeaderChecksum(src, dst net.IP, payload []byte) uint16 {
	var sum uint32
	addAddr := func(ip net.IP) {
		b := ip.To16()
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
	}
	addAddr(src)
	addAddr(dst)

	length := uint32(len(payload))
	sum += length >> 16
	sum += length & 0xFFFF
	sum += 58 // ICMPv6 next-header value

	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(payload[i])<<8 | uint32(payload[i+1])
	}
	if len(payload)%2 == 1 {
		sum += uint32(payload[len(payload)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
