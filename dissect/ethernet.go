// Package dissect implements the link/network/transport-layer dissectors of
// spec.md §4.3-§4.8: Ethernet/VLAN, IPv4, IPv6, TCP, UDP, SCTP, ICMP, and
// ICMPv6. Each dissector implements parser.Contract and self-registers into
// parser.Default under its EtherType or IP protocol number.
//
// Grounded on original_source/include/parsers/datalink/ethernet_parser.hpp,
// include/parsers/network/{ipv4,ipv6,icmp}_parser.hpp,
// include/parsers/icmpv6_parser.hpp, include/parsers/tcp_parser.hpp,
// include/parsers/transport/udp_parser.hpp, and
// include/parsers/sctp_parser.hpp for field layout and edge cases. Numeric
// EtherType/IP protocol constants are reused from gopacket/layers instead of
// being re-declared, per SPEC_FULL.md's domain-stack wiring.
package dissect

import (
	"github.com/google/gopacket/layers"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

const ethernetHeaderSize = 14
const vlanTagSize = 4

// MACAddress is a 6-byte hardware address.
type MACAddress [6]byte

func (m MACAddress) IsBroadcast() bool {
	for _, b := range m {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (m MACAddress) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// VLANTag is an 802.1Q tag, per spec.md §4.3.
type VLANTag struct {
	TCI        uint16
	EtherType  uint16 // inner EtherType following this tag
}

func (v VLANTag) VLANID() uint16  { return v.TCI & 0x0FFF }
func (v VLANTag) Priority() uint8 { return uint8((v.TCI >> 13) & 0x07) }
func (v VLANTag) CFI() bool       { return v.TCI&0x1000 != 0 }

// EthernetFrame is the result of a completed Ethernet dissection.
type EthernetFrame struct {
	DstMAC        MACAddress
	SrcMAC        MACAddress
	EtherType     uint16 // the outermost EtherType field
	VLAN          *VLANTag
	NextProtocol  uint16 // the EtherType that identifies Payload's contents
	Payload       bslice.Slice
}

// EthernetParser dissects a single Ethernet II frame, optionally carrying one
// 802.1Q VLAN tag. Grounded on ethernet_parser.hpp's EthernetParser, whose
// state machine is parse_header -> parse_vlan -> parse_payload; this type
// collapses that into a single Parse call since Ethernet framing is never
// split across reassembly boundaries in practice.
type EthernetParser struct {
	phase  parser.Phase
	result EthernetFrame
	errMsg string
}

var _ parser.Contract = (*EthernetParser)(nil)

// EthernetProtocolID is the synthetic registry key for the link-layer entry
// point (Ethernet frames arrive as the outermost layer, not dispatched to by
// EtherType).
const EthernetProtocolID = 0x0001

func init() {
	parser.Default.Register(EthernetProtocolID, "Ethernet", func() parser.Contract {
		return &EthernetParser{}
	})
}

func (p *EthernetParser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "Ethernet", ID: EthernetProtocolID, Layer: "link"}
}

func (p *EthernetParser) CanParse(ctx *parser.ParseContext) bool {
	return ctx.Remaining().Len() >= ethernetHeaderSize
}

func (p *EthernetParser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < ethernetHeaderSize {
		return p.fail(ctx, parser.BufferTooSmall, "ethernet: frame shorter than 14-byte header")
	}

	var dst, src MACAddress
	copy(dst[:], rem.Bytes()[0:6])
	copy(src[:], rem.Bytes()[6:12])
	etherType := rem.U16BE(12)

	p.result.DstMAC = dst
	p.result.SrcMAC = src
	p.result.EtherType = etherType
	p.result.NextProtocol = etherType

	offset := ethernetHeaderSize
	if etherType == uint16(layers.EthernetTypeDot1Q) {
		if rem.Len() < offset+vlanTagSize {
			return p.fail(ctx, parser.BufferTooSmall, "ethernet: truncated VLAN tag")
		}
		tci := rem.U16BE(offset)
		inner := rem.U16BE(offset + 2)
		p.result.VLAN = &VLANTag{TCI: tci, EtherType: inner}
		p.result.NextProtocol = inner
		offset += vlanTagSize
		ctx.SetMetadata("vlan_id", tci&0x0FFF)
	}

	p.result.Payload = rem.From(offset)
	ctx.Advance(offset)
	ctx.SetMetadata("next_protocol", p.result.NextProtocol)

	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

func (p *EthernetParser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	return nil, outcome
}

func (p *EthernetParser) Reset() {
	*p = EthernetParser{}
}

func (p *EthernetParser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *EthernetParser) ErrorMessage() string { return p.errMsg }
