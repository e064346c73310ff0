// Package dhcp dissects DHCP/BOOTP (RFC 2131/2132): the fixed 236-byte
// header, the magic cookie, and the variable-length option TLV chain, per
// spec.md §4.14.
//
// Grounded on
// original_source/include/parsers/application/dhcp_parser.hpp: its
// DHCPHeader field layout, DHCPOptionType enum, and DHCPStatistics
// counters.
package dhcp

import (
	"net"

	"github.com/packetforge/dissect/parser"
)

const (
	headerSize  = 236
	magicCookie = 0x63825363
)

// ProtocolID is the synthetic registry key; DHCP is identified by UDP
// ports 67/68, not a lower-layer protocol field.
const ProtocolID = 0x10043

// MessageOp is the BOOTP op code, per DHCPMessageType.
type MessageOp uint8

const (
	OpBootRequest MessageOp = 1
	OpBootReply   MessageOp = 2
)

// Opcode is the DHCP message type carried in option 53, per DHCPOpcode.
type Opcode uint8

const (
	OpcodeDiscover       Opcode = 1
	OpcodeOffer          Opcode = 2
	OpcodeRequest        Opcode = 3
	OpcodeDecline        Opcode = 4
	OpcodeAck            Opcode = 5
	OpcodeNak            Opcode = 6
	OpcodeRelease        Opcode = 7
	OpcodeInform         Opcode = 8
	OpcodeForceRenew     Opcode = 9
	OpcodeLeaseQuery     Opcode = 10
	OpcodeLeaseUnassigned Opcode = 11
	OpcodeLeaseUnknown   Opcode = 12
	OpcodeLeaseActive    Opcode = 13
)

// Option type numbers, per DHCPOptionType (RFC 2132). The convenience
// accessors on Message read a subset of them.
const (
	OptSubnetMask        = 1
	OptRouter            = 3
	OptDNSServer         = 6
	OptHostName          = 12
	OptDomainName        = 15
	OptRequestedAddress  = 50
	OptLeaseTime         = 51
	OptMessageType       = 53
	OptServerIdentifier  = 54
	OptParameterRequestList = 55
	OptVendorClassID     = 60
	OptClientIdentifier  = 61
	OptEnd               = 255
	OptPad               = 0
)

const broadcastFlag = 0x8000

// Option is a single DHCP option TLV.
type Option struct {
	Type uint8
	Data []byte
}

// AsUint32 interprets the option's data as a big-endian 32-bit value (IP
// addresses, lease times, …).
func (o Option) AsUint32() uint32 {
	if len(o.Data) < 4 {
		return 0
	}
	return uint32(o.Data[0])<<24 | uint32(o.Data[1])<<16 | uint32(o.Data[2])<<8 | uint32(o.Data[3])
}

// AsIP interprets the option's data as an IPv4 address.
func (o Option) AsIP() net.IP {
	if len(o.Data) < 4 {
		return nil
	}
	return net.IPv4(o.Data[0], o.Data[1], o.Data[2], o.Data[3])
}

// AsString interprets the option's data as an ASCII string.
func (o Option) AsString() string { return string(o.Data) }

// AsIPList interprets the option's data as a sequence of IPv4 addresses,
// per DHCPOption::as_ip_list.
func (o Option) AsIPList() []net.IP {
	var ips []net.IP
	for i := 0; i+4 <= len(o.Data); i += 4 {
		ips = append(ips, net.IPv4(o.Data[i], o.Data[i+1], o.Data[i+2], o.Data[i+3]))
	}
	return ips
}

// Header is the fixed 236-byte BOOTP/DHCP header, per DHCPHeader.
type Header struct {
	Op        MessageOp
	HType     uint8
	HLen      uint8
	Hops      uint8
	Xid       uint32
	Secs      uint16
	Flags     uint16
	ClientIP  net.IP // ciaddr
	YourIP    net.IP // yiaddr
	ServerIP  net.IP // siaddr
	GatewayIP net.IP // giaddr
	ClientHW  [16]byte
	ServerName string
	BootFile   string
}

// IsBroadcast reports whether the client requested a broadcast reply, per
// DHCPMessage::is_broadcast.
func (h Header) IsBroadcast() bool { return h.Flags&broadcastFlag != 0 }

// Message is the fully decoded DHCP/BOOTP datagram, per DHCPMessage.
type Message struct {
	Header  Header
	Options []Option
}

func (m Message) option(t uint8) (Option, bool) {
	for _, o := range m.Options {
		if o.Type == t {
			return o, true
		}
	}
	return Option{}, false
}

// MessageType returns the value of option 53 (DHCP Message Type), per
// DHCPMessage::get_message_type.
func (m Message) MessageType() (Opcode, bool) {
	opt, ok := m.option(OptMessageType)
	if !ok || len(opt.Data) < 1 {
		return 0, false
	}
	return Opcode(opt.Data[0]), true
}

// ServerIdentifier returns option 54, per get_server_identifier.
func (m Message) ServerIdentifier() (net.IP, bool) {
	opt, ok := m.option(OptServerIdentifier)
	if !ok {
		return nil, false
	}
	return opt.AsIP(), true
}

// RequestedIP returns option 50, per get_requested_ip.
func (m Message) RequestedIP() (net.IP, bool) {
	opt, ok := m.option(OptRequestedAddress)
	if !ok {
		return nil, false
	}
	return opt.AsIP(), true
}

// LeaseTime returns option 51 in seconds, per get_lease_time.
func (m Message) LeaseTime() (uint32, bool) {
	opt, ok := m.option(OptLeaseTime)
	if !ok {
		return 0, false
	}
	return opt.AsUint32(), true
}

// DNSServers returns option 6, per get_dns_servers.
func (m Message) DNSServers() ([]net.IP, bool) {
	opt, ok := m.option(OptDNSServer)
	if !ok {
		return nil, false
	}
	return opt.AsIPList(), true
}

// DomainName returns option 15, per get_domain_name.
func (m Message) DomainName() (string, bool) {
	opt, ok := m.option(OptDomainName)
	if !ok {
		return "", false
	}
	return opt.AsString(), true
}

// Hostname returns option 12, per get_hostname.
func (m Message) Hostname() (string, bool) {
	opt, ok := m.option(OptHostName)
	if !ok {
		return "", false
	}
	return opt.AsString(), true
}

// Parser dissects a single DHCP/BOOTP datagram, per DHCPParser.
type Parser struct {
	phase  parser.Phase
	errMsg string
	result Message

	Stats *Statistics
}

var _ parser.Contract = (*Parser)(nil)

func init() {
	parser.Default.Register(ProtocolID, "DHCP", func() parser.Contract {
		return &Parser{Stats: NewStatistics()}
	})
}

func (p *Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "DHCP", ID: ProtocolID, Layer: "application"}
}

func (p *Parser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining()
	if rem.Len() < headerSize+4 {
		return false
	}
	op := rem.U8(0)
	if op != uint8(OpBootRequest) && op != uint8(OpBootReply) {
		return false
	}
	return rem.U32BE(headerSize) == magicCookie
}

func (p *Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if !p.CanParse(ctx) {
		return p.fail(ctx, parser.InvalidFormat, "dhcp: not a valid BOOTP/DHCP datagram")
	}

	b := rem.Bytes()
	hdr := Header{
		Op:    MessageOp(b[0]),
		HType: b[1],
		HLen:  b[2],
		Hops:  b[3],
		Xid:   rem.U32BE(4),
		Secs:  rem.U16BE(8),
		Flags: rem.U16BE(10),
	}
	hdr.ClientIP = net.IPv4(b[12], b[13], b[14], b[15])
	hdr.YourIP = net.IPv4(b[16], b[17], b[18], b[19])
	hdr.ServerIP = net.IPv4(b[20], b[21], b[22], b[23])
	hdr.GatewayIP = net.IPv4(b[24], b[25], b[26], b[27])
	copy(hdr.ClientHW[:], b[28:44])
	hdr.ServerName = trimNulString(b[44:108])
	hdr.BootFile = trimNulString(b[108:236])

	msg := Message{Header: hdr}
	msg.Options = parseOptions(b[headerSize+4:])

	p.result = msg
	if p.Stats != nil {
		p.Stats.Record(msg)
	}

	ctx.Advance(rem.Len())
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return msg, parser.Success
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseOptions(data []byte) []Option {
	var options []Option
	offset := 0
	for offset < len(data) {
		t := data[offset]
		if t == OptPad {
			offset++
			continue
		}
		if t == OptEnd {
			break
		}
		if offset+1 >= len(data) {
			break
		}
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			length = len(data) - offset
		}
		options = append(options, Option{Type: t, Data: append([]byte(nil), data[offset:offset+length]...)})
		offset += length
	}
	return options
}

func (p *Parser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	if p.Stats != nil {
		p.Stats.RecordMalformed()
	}
	return nil, outcome
}

func (p *Parser) Reset() {
	stats := p.Stats
	*p = Parser{Stats: stats}
}

func (p *Parser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *Parser) ErrorMessage() string { return p.errMsg }
