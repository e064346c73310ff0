package dissect

import (
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

const tcpMinHeaderSize = 20

// TCPProtocolID registers TCP under its IP protocol number, taken from
// gopacket/layers.IPProtocolTCP rather than re-declared as a magic number.
const TCPProtocolID = uint8(layers.IPProtocolTCP)

// TCP flag bits, per tcp_parser.hpp's TCPFlags namespace.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
	TCPFlagECE = 0x40
	TCPFlagCWR = 0x80
)

// TCP option kinds. Only End-of-Options and No-Operation get special
// handling below; every other kind is recorded with its raw bytes.
const (
	tcpOptEndOfOptions = 0
	tcpOptNoOperation  = 1
	tcpOptMSS          = 2
	tcpOptWindowScale  = 3
	tcpOptSACKPermitted = 4
	tcpOptSACK         = 5
	tcpOptTimestamp    = 8
)

// TCPOption is a single parsed TCP header option.
type TCPOption struct {
	Kind uint8
	Data []byte
}

// TCPSegment is the result of a completed TCP dissection.
type TCPSegment struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	DataOffset uint8 // header length in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16
	UrgentPtr  uint16
	Options    []TCPOption
	Payload    bslice.Slice
}

func (t TCPSegment) HasFlag(flag uint8) bool { return t.Flags&flag != 0 }

// TCPParser dissects a TCP segment header and its options. It does not
// verify the checksum (that requires the IPv4/IPv6 pseudo-header, which is
// available only to the caller that invoked this dissector, not to the
// dissector itself) and does not reassemble streams — that is
// reassembly.Reassembler's job, per spec.md §4.14. Grounded on
// original_source/include/parsers/tcp_parser.hpp.
type TCPParser struct {
	phase  parser.Phase
	result TCPSegment
	errMsg string
}

var _ parser.Contract = (*TCPParser)(nil)

func init() {
	parser.Default.Register(uint32(TCPProtocolID), "TCP", func() parser.Contract {
		return &TCPParser{}
	})
}

func (p *TCPParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "TCP", ID: uint32(TCPProtocolID), Layer: "transport"}
}

func (p *TCPParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= tcpMinHeaderSize
}

func (p *TCPParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < tcpMinHeaderSize {
		return p.fail(ctx, parser.BufferTooSmall, "tcp: buffer shorter than minimum 20-byte header")
	}

	dataOffsetFlags := rem.U8(12)
	dataOffset := (dataOffsetFlags >> 4) & 0x0F
	headerLen := int(dataOffset) * 4
	if headerLen < tcpMinHeaderSize {
		return p.fail(ctx, parser.InvalidFormat, "tcp: data offset smaller than minimum header")
	}
	if rem.Len() < headerLen {
		return p.fail(ctx, parser.BufferTooSmall, "tcp: buffer shorter than declared header length")
	}

	p.result = TCPSegment{
		SrcPort:    rem.U16BE(0),
		DstPort:    rem.U16BE(2),
		SeqNum:     rem.U32BE(4),
		AckNum:     rem.U32BE(8),
		DataOffset: dataOffset,
		Flags:      rem.U8(13),
		Window:     rem.U16BE(14),
		Checksum:   rem.U16BE(16),
		UrgentPtr:  rem.U16BE(18),
	}

	if headerLen > tcpMinHeaderSize {
		opts, err := parseTCPOptions(rem.Sub(tcpMinHeaderSize, headerLen).Bytes())
		if err != nil {
			return p.fail(ctx, parser.InvalidFormat, err.Error())
		}
		p.result.Options = opts
	}

	p.result.Payload = rem.From(headerLen)
	ctx.Advance(headerLen)
	ctx.SetMetadata("src_port", p.result.SrcPort)
	ctx.SetMetadata("dst_port", p.result.DstPort)

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func (p *TCPParser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	return nil, outcome
}

func (p *TCPParser) Reset() { *p = TCPParser{} }

func (p *TCPParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *TCPParser) ErrorMessage() string { return p.errMsg }

// parseTCPOptions walks the TLV options area following the fixed header.
// Kind 0 terminates the area; kind 1 (NOP) is a single byte with no length;
// every other kind carries an explicit length byte including the kind and
// length bytes themselves, per RFC 793 §3.1.
func parseTCPOptions(data []byte) ([]TCPOption, error) {
	var opts []TCPOption
	i := 0
	for i < len(data) {
		kind := data[i]
		if kind == tcpOptEndOfOptions {
			break
		}
		if kind == tcpOptNoOperation {
			opts = append(opts, TCPOption{Kind: kind})
			i++
			continue
		}
		if i+1 >= len(data) {
			return nil, errors.New("tcp: truncated option length")
		}
		length := int(data[i+1])
		if length < 2 || i+length > len(data) {
			return nil, errors.New("tcp: option length out of range")
		}
		opts = append(opts, TCPOption{Kind: kind, Data: append([]byte(nil), data[i+2:i+length]...)})
		i += length
	}
	return opts, nil
}
