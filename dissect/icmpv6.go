package dissect

import (
	"net"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

// ICMPv6ProtocolID registers ICMPv6 under its IP next-header value, taken
// from gopacket/layers.IPProtocolICMPv6 rather than re-declared as a magic
// number.
const ICMPv6ProtocolID = uint8(layers.IPProtocolICMPv6)

// ICMPv6 message types, per icmpv6_parser.hpp's ICMPv6Type namespace.
const (
	ICMPv6DestUnreachable      = 1
	ICMPv6PacketTooBig         = 2
	ICMPv6TimeExceeded         = 3
	ICMPv6ParamProblem         = 4
	ICMPv6EchoRequest          = 128
	ICMPv6EchoReply            = 129
	ICMPv6MLDQuery             = 130
	ICMPv6MLDReport            = 131
	ICMPv6MLDDone              = 132
	ICMPv6RouterSolicitation   = 133
	ICMPv6RouterAdvertisement  = 134
	ICMPv6NeighborSolicitation = 135
	ICMPv6NeighborAdvertisement = 136
	ICMPv6Redirect             = 137
)

// Neighbor Discovery option types, per icmpv6_parser.hpp's NDOption
// constants.
const (
	NDOptSourceLinkLayerAddr = 1
	NDOptTargetLinkLayerAddr = 2
	NDOptPrefixInformation   = 3
	NDOptRedirectedHeader    = 4
	NDOptMTU                 = 5
)

// isNeighborDiscoveryType reports whether an ICMPv6 message type carries
// Neighbor Discovery options after its fixed 8-byte header.
func isNeighborDiscoveryType(t uint8) bool {
	switch t {
	case ICMPv6RouterSolicitation, ICMPv6RouterAdvertisement,
		ICMPv6NeighborSolicitation, ICMPv6NeighborAdvertisement, ICMPv6Redirect:
		return true
	default:
		return false
	}
}

// NDOption is a single Neighbor Discovery option.
type NDOption struct {
	Type uint8
	Data []byte
}

// ICMPv6Packet is the result of a completed ICMPv6 dissection.
type ICMPv6Packet struct {
	Type          uint8
	Code          uint8
	Checksum      uint16
	Data          uint32
	ChecksumValid bool
	NDOptions     []NDOption
	Payload       bslice.Slice
}

func (p ICMPv6Packet) Identifier() uint16 { return uint16(p.Data >> 16) }
func (p ICMPv6Packet) Sequence() uint16   { return uint16(p.Data & 0xFFFF) }

// ICMPv6Parser dissects the fixed 8-byte ICMPv6 header, verifies its
// checksum against the IPv6 pseudo-header (via SetIPv6Addresses, which the
// caller must supply from the enclosing IPv6 dissection since ICMPv6 itself
// has no access to the outer header), and walks Neighbor Discovery options
// when the message type carries them. Grounded on
// original_source/include/parsers/icmpv6_parser.hpp.
type ICMPv6Parser struct {
	phase         parser.Phase
	result        ICMPv6Packet
	errMsg        string
	srcAddr       []byte
	dstAddr       []byte
	hasAddrs      bool
}

var _ parser.Contract = (*ICMPv6Parser)(nil)

func init() {
	parser.Default.Register(uint32(ICMPv6ProtocolID), "ICMPv6", func() parser.Contract {
		return &ICMPv6Parser{}
	})
}

// SetIPv6Addresses supplies the enclosing IPv6 header's source/destination
// addresses for pseudo-header checksum verification. Must be called before
// Parse if checksum validation is desired.
func (p *ICMPv6Parser) SetIPv6Addresses(src, dst []byte) {
	p.srcAddr = src
	p.dstAddr = dst
	p.hasAddrs = true
}

func (p *ICMPv6Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "ICMPv6", ID: uint32(ICMPv6ProtocolID), Layer: "network"}
}

func (p *ICMPv6Parser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= icmpHeaderSize
}

func (p *ICMPv6Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < icmpHeaderSize {
		return p.fail(ctx, parser.BufferTooSmall, "icmpv6: buffer shorter than 8-byte header")
	}

	p.result = ICMPv6Packet{
		Type:     rem.U8(0),
		Code:     rem.U8(1),
		Checksum: rem.U16BE(2),
		Data:     rem.U32BE(4),
	}

	if p.hasAddrs {
		p.result.ChecksumValid = icmpv6PseudoHeaderChecksum(net.IP(p.srcAddr), net.IP(p.dstAddr), rem.Bytes()) == 0
	}

	offset := icmpHeaderSize
	if isNeighborDiscoveryType(p.result.Type) {
		opts, n, err := parseNDOptions(rem.Bytes()[icmpHeaderSize:])
		if err != nil {
			return p.fail(ctx, parser.InvalidFormat, err.Error())
		}
		p.result.NDOptions = opts
		offset += n
	}

	p.result.Payload = rem.From(offset)
	ctx.Advance(rem.Len())

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func (p *ICMPv6Parser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	return nil, outcome
}

func (p *ICMPv6Parser) Reset() { *p = ICMPv6Parser{} }

func (p *ICMPv6Parser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *ICMPv6Parser) ErrorMessage() string { return p.errMsg }

// parseNDOptions walks Neighbor Discovery options: a 1-byte type, a 1-byte
// length in units of 8 octets (including the type/length bytes
// themselves), then (length*8-2) bytes of data.
func parseNDOptions(data []byte) ([]NDOption, int, error) {
	var opts []NDOption
	i := 0
	for i+2 <= len(data) {
		t := data[i]
		lengthUnits := int(data[i+1])
		if lengthUnits == 0 {
			return nil, i, errors.New("icmpv6: zero-length ND option")
		}
		total := lengthUnits * 8
		if i+total > len(data) {
			return nil, i, errors.New("icmpv6: ND option exceeds available bytes")
		}
		opts = append(opts, NDOption{Type: t, Data: append([]byte(nil), data[i+2:i+total]...)})
		i += total
	}
	return opts, i, nil
}
