// Package ipsec dissects the IPsec wire formats carried directly over IP
// (ESP, AH) and over UDP 500/4500 (IKE), per spec.md §4.16.
//
// Grounded on
// original_source/include/parsers/security/ipsec_deep_analyzer.hpp: its
// ESPHeader/AHHeader/IKEInfo field layout and IPSecProtocol enum. Per
// spec.md §1 Non-goals, no cryptographic verification is performed: ICVs,
// ESP payloads, and IKE key material are treated as opaque bytes, and
// strength classification (security.go) is based only on the algorithm
// identifiers named in the protocol, not on actually exercising them.
package ipsec

import (
	"github.com/pkg/errors"

	"github.com/packetforge/dissect/parser"
)

// IP protocol numbers, per IANA and IPSecProtocol.
const (
	ProtoESP = 50
	ProtoAH  = 51
)

// ProtocolID values for this package's two IP-protocol-number dissectors
// plus the synthetic UDP-port-based IKE dissector.
const (
	ESPProtocolID = ProtoESP
	AHProtocolID  = ProtoAH
	IKEProtocolID = 0x10500
)

const (
	espHeaderSize = 8 // spi(4) + sequence(4)
	ahHeaderSize  = 12
	ikeHeaderSize = 28
)

// ESPHeader is the Encapsulating Security Payload header, per ESPHeader.
// The payload, padding, pad_length, next_header, and ICV all live past the
// header and cannot be separated without decrypting, so ESPMessage exposes
// the remainder as opaque EncryptedPayload bytes.
type ESPHeader struct {
	SPI      uint32
	Sequence uint32
}

// ESPMessage is a dissected ESP datagram.
type ESPMessage struct {
	Header           ESPHeader
	EncryptedPayload []byte
	Security         SecurityAnalysis
}

// AHHeader is the Authentication Header, per AHHeader. PayloadLen is in
// 32-bit words minus 2, per RFC 4302; ICV follows the fixed fields.
type AHHeader struct {
	NextHeader uint8
	PayloadLen uint8
	Reserved   uint16
	SPI        uint32
	Sequence   uint32
	ICV        []byte
}

// AHMessage is a dissected AH datagram.
type AHMessage struct {
	Header   AHHeader
	Security SecurityAnalysis
}

// IKEHeader is the fixed 28-byte ISAKMP/IKE header, per IKEInfo.
type IKEHeader struct {
	InitiatorSPI uint64
	ResponderSPI uint64
	NextPayload  uint8
	Version      uint8
	ExchangeType uint8
	Flags        uint8
	MessageID    uint32
	Length       uint32
}

// IKEPayload is one generic payload within an IKE message, per IKEPayload.
type IKEPayload struct {
	Type uint8
	Data []byte
}

// ikePayloadTypeNames mirrors ike_payload_types_: a human-readable name per
// IKEv2 payload type (RFC 7296 §3.2).
var ikePayloadTypeNames = map[uint8]string{
	0:  "No Next Payload",
	33: "Security Association",
	34: "Key Exchange",
	35: "Identification - Initiator",
	36: "Identification - Responder",
	37: "Certificate",
	38: "Certificate Request",
	39: "Authentication",
	40: "Nonce",
	41: "Notify",
	42: "Delete",
	43: "Vendor ID",
	44: "Traffic Selector - Initiator",
	45: "Traffic Selector - Responder",
	46: "Encrypted and Authenticated",
	47: "Configuration",
	48: "Extensible Authentication",
}

// Name reports the human-readable payload type, per get_payload_type_name.
func (p IKEPayload) Name() string {
	if name, ok := ikePayloadTypeNames[p.Type]; ok {
		return name
	}
	return "Unknown"
}

// IKEMessage is a dissected IKE header plus its generic-payload chain.
type IKEMessage struct {
	Header   IKEHeader
	Payloads []IKEPayload
}

// IsInitiator reports whether this message originated the exchange, per
// the IKE_I flag bit (0x08) in the header flags octet.
func (h IKEHeader) IsInitiator() bool { return h.Flags&0x08 != 0 }

// IsResponse reports whether this message is a response, per the
// IKE_R flag bit (0x20).
func (h IKEHeader) IsResponse() bool { return h.Flags&0x20 != 0 }

// ESPParser dissects ESP datagrams (IP protocol 50), per
// IPSecDeepAnalyzer::parse_esp_header.
type ESPParser struct {
	phase  parser.Phase
	errMsg string

	Stats   *Statistics
	Monitor *SecurityMonitor
}

var _ parser.Contract = (*ESPParser)(nil)

func init() {
	parser.Default.Register(ESPProtocolID, "ESP", func() parser.Contract {
		return &ESPParser{Stats: NewStatistics(), Monitor: NewSecurityMonitor()}
	})
	parser.Default.Register(AHProtocolID, "AH", func() parser.Contract {
		return &AHParser{Stats: NewStatistics(), Monitor: NewSecurityMonitor()}
	})
	parser.Default.Register(IKEProtocolID, "IKE", func() parser.Contract {
		return &IKEParser{Stats: NewStatistics()}
	})
}

func (p *ESPParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "ESP", ID: ESPProtocolID, Layer: "network"}
}

func (p *ESPParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= espHeaderSize+1
}

func (p *ESPParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if !p.CanParse(ctx) {
		return p.fail(ctx, parser.BufferTooSmall, "ipsec: ESP datagram shorter than fixed header")
	}

	msg := ESPMessage{
		Header: ESPHeader{
			SPI:      rem.U32BE(0),
			Sequence: rem.U32BE(4),
		},
	}
	msg.EncryptedPayload = append([]byte(nil), rem.Bytes()[espHeaderSize:]...)

	if p.Monitor != nil {
		msg.Security = p.Monitor.ObserveESP(msg)
	}
	if p.Stats != nil {
		p.Stats.RecordESP(msg)
		p.Stats.RecordAnalysis(msg.Security)
	}

	ctx.Advance(rem.Len())
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return msg, parser.Success
}

func (p *ESPParser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	if p.Stats != nil {
		p.Stats.RecordMalformed()
	}
	return nil, outcome
}

func (p *ESPParser) Reset() {
	stats, mon := p.Stats, p.Monitor
	*p = ESPParser{Stats: stats, Monitor: mon}
}

func (p *ESPParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *ESPParser) ErrorMessage() string { return p.errMsg }

// AHParser dissects Authentication Header datagrams (IP protocol 51), per
// IPSecDeepAnalyzer::parse_ah_header.
type AHParser struct {
	phase  parser.Phase
	errMsg string

	Stats   *Statistics
	Monitor *SecurityMonitor
}

var _ parser.Contract = (*AHParser)(nil)

func (p *AHParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "AH", ID: AHProtocolID, Layer: "network"}
}

func (p *AHParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= ahHeaderSize
}

func (p *AHParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if !p.CanParse(ctx) {
		return p.fail(ctx, parser.BufferTooSmall, "ipsec: AH datagram shorter than fixed header")
	}

	b := rem.Bytes()
	payloadLen := int(b[1])
	icvLen := (payloadLen+2)*4 - ahHeaderSize
	if icvLen < 0 {
		icvLen = 0
	}
	if ahHeaderSize+icvLen > len(b) {
		icvLen = len(b) - ahHeaderSize
	}

	hdr := AHHeader{
		NextHeader: b[0],
		PayloadLen: b[1],
		Reserved:   rem.U16BE(2),
		SPI:        rem.U32BE(4),
		Sequence:   rem.U32BE(8),
		ICV:        append([]byte(nil), b[ahHeaderSize:ahHeaderSize+icvLen]...),
	}

	msg := AHMessage{Header: hdr}
	if p.Monitor != nil {
		msg.Security = p.Monitor.ObserveAH(hdr)
	}
	if p.Stats != nil {
		p.Stats.RecordAH(hdr)
		p.Stats.RecordAnalysis(msg.Security)
	}

	ctx.Advance(rem.Len())
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return msg, parser.Success
}

func (p *AHParser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	if p.Stats != nil {
		p.Stats.RecordMalformed()
	}
	return nil, outcome
}

func (p *AHParser) Reset() {
	stats, mon := p.Stats, p.Monitor
	*p = AHParser{Stats: stats, Monitor: mon}
}

func (p *AHParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *AHParser) ErrorMessage() string { return p.errMsg }

// IKEParser dissects ISAKMP/IKE messages carried over UDP 500/4500, per
// IPSecDeepAnalyzer::parse_ike_header and parse_ike_payloads.
type IKEParser struct {
	phase  parser.Phase
	errMsg string

	Stats *Statistics
}

var _ parser.Contract = (*IKEParser)(nil)

func (p *IKEParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "IKE", ID: IKEProtocolID, Layer: "application"}
}

func (p *IKEParser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining()
	if rem.Len() < ikeHeaderSize {
		return false
	}
	version := rem.U8(17)
	major := version >> 4
	return major == 1 || major == 2
}

func (p *IKEParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if !p.CanParse(ctx) {
		return p.fail(ctx, parser.InvalidFormat, "ipsec: not a valid IKE header")
	}

	hdr := IKEHeader{
		InitiatorSPI: rem.U64BE(0),
		ResponderSPI: rem.U64BE(8),
		NextPayload:  rem.U8(16),
		Version:      rem.U8(17),
		ExchangeType: rem.U8(18),
		Flags:        rem.U8(19),
		MessageID:    rem.U32BE(20),
		Length:       rem.U32BE(24),
	}

	total := int(hdr.Length)
	if total < ikeHeaderSize || total > rem.Len() {
		total = rem.Len()
	}

	payloads, err := parseIKEPayloads(rem.Bytes()[ikeHeaderSize:total], hdr.NextPayload)
	if err != nil {
		return p.fail(ctx, parser.InvalidFormat, "ipsec: "+err.Error())
	}

	msg := IKEMessage{Header: hdr, Payloads: payloads}
	if p.Stats != nil {
		p.Stats.RecordIKE(msg)
	}

	ctx.Advance(total)
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return msg, parser.Success
}

// parseIKEPayloads walks the generic-payload-header chain: each payload
// starts with next-payload(1)/critical-reserved(1)/length(2), per RFC 7296
// §3.2. nextType of 0 means no payloads follow.
func parseIKEPayloads(data []byte, nextType uint8) ([]IKEPayload, error) {
	var payloads []IKEPayload
	offset := 0
	for nextType != 0 {
		if offset+4 > len(data) {
			return payloads, errors.New("truncated IKE payload header")
		}
		length := int(data[offset+2])<<8 | int(data[offset+3])
		if length < 4 || offset+length > len(data) {
			return payloads, errors.New("invalid IKE payload length")
		}
		payloads = append(payloads, IKEPayload{
			Type: nextType,
			Data: append([]byte(nil), data[offset+4:offset+length]...),
		})
		nextType = data[offset]
		offset += length
	}
	return payloads, nil
}

func (p *IKEParser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	if p.Stats != nil {
		p.Stats.RecordMalformed()
	}
	return nil, outcome
}

func (p *IKEParser) Reset() {
	stats := p.Stats
	*p = IKEParser{Stats: stats}
}

func (p *IKEParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *IKEParser) ErrorMessage() string { return p.errMsg }
