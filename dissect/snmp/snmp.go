package snmp

import (
	"github.com/pkg/errors"

	"github.com/packetforge/dissect/parser"
)

// ProtocolID is the synthetic registry key; SNMP is identified by UDP port
// 161/162, not a lower-layer protocol field.
const ProtocolID = 0x100A1

// Version identifies the SNMP message version, per snmp_parser.hpp's
// SNMPVersion.
type Version uint32

const (
	Version1  Version = 0
	Version2c Version = 1
	Version3  Version = 3
)

// PDUType is the context-specific ASN.1 tag identifying a PDU's operation,
// per snmp_parser.hpp's SNMPPDUType.
type PDUType uint8

const (
	PDUGetRequest     PDUType = 0x00
	PDUGetNextRequest PDUType = 0x01
	PDUGetResponse    PDUType = 0x02
	PDUSetRequest     PDUType = 0x03
	PDUTrap           PDUType = 0x04
	PDUGetBulkRequest PDUType = 0x05
	PDUInformRequest  PDUType = 0x06
	PDUTrapV2         PDUType = 0x07
	PDUReport         PDUType = 0x08
)

func pduTypeFromTag(tag byte) (PDUType, bool) {
	switch tag {
	case pduGetRequest:
		return PDUGetRequest, true
	case pduGetNextRequest:
		return PDUGetNextRequest, true
	case pduGetResponse:
		return PDUGetResponse, true
	case pduSetRequest:
		return PDUSetRequest, true
	case pduTrap:
		return PDUTrap, true
	case pduGetBulkRequest:
		return PDUGetBulkRequest, true
	case pduInformRequest:
		return PDUInformRequest, true
	case pduTrapV2:
		return PDUTrapV2, true
	case pduReport:
		return PDUReport, true
	default:
		return 0, false
	}
}

func (t PDUType) String() string {
	switch t {
	case PDUGetRequest:
		return "GetRequest"
	case PDUGetNextRequest:
		return "GetNextRequest"
	case PDUGetResponse:
		return "GetResponse"
	case PDUSetRequest:
		return "SetRequest"
	case PDUTrap:
		return "Trap"
	case PDUGetBulkRequest:
		return "GetBulkRequest"
	case PDUInformRequest:
		return "InformRequest"
	case PDUTrapV2:
		return "TrapV2"
	case PDUReport:
		return "Report"
	default:
		return "Unknown"
	}
}

// ErrorStatus is an SNMPv1/v2c PDU error-status code, per
// snmp_parser.hpp's SNMPErrorStatus (RFC 1157/3416).
type ErrorStatus uint32

const (
	ErrNoError             ErrorStatus = 0
	ErrTooBig              ErrorStatus = 1
	ErrNoSuchName          ErrorStatus = 2
	ErrBadValue            ErrorStatus = 3
	ErrReadOnly            ErrorStatus = 4
	ErrGenErr              ErrorStatus = 5
)

// VarBind is one SNMP variable binding: an OID paired with a typed value,
// per snmp_parser.hpp's VarBind.
type VarBind struct {
	OID   OID
	Type  BERType
	Value int64
	Bytes []byte // set for OCTET_STRING/OPAQUE
}

// IsNull reports whether the binding's value is the ASN.1 NULL type, used
// by GetRequest/GetNextRequest queries that carry no value.
func (v VarBind) IsNull() bool { return v.Type == BERNull }

// PDU is a decoded SNMP protocol data unit, per snmp_parser.hpp's SNMPPDU.
type PDU struct {
	Type            PDUType
	RequestID       int64
	ErrorStatus     ErrorStatus
	ErrorIndex      int64
	NonRepeaters    int64 // GetBulk
	MaxRepetitions  int64 // GetBulk
	VariableBindings []VarBind
}

// Message is a fully decoded SNMP message, per snmp_parser.hpp's
// SNMPMessage.
type Message struct {
	Version   Version
	Community string // v1/v2c only
	PDU       PDU

	// v3 fields. Security parameters and the scoped PDU's privacy
	// envelope are carried as opaque bytes: no USM authentication or
	// privacy verification is performed, per spec.md §1 Non-goals.
	V3MessageID       int64
	V3MaxSize         int64
	V3Flags           uint8
	V3SecurityModel   int64
	V3SecurityParams  []byte
	V3ContextEngineID []byte
	V3ContextName     string
}

// IsV3 reports whether this message uses the SNMPv3 framing.
func (m Message) IsV3() bool { return m.Version == Version3 }

// IsAuthenticated reports whether the v3 authentication flag is set.
func (m Message) IsAuthenticated() bool { return m.V3Flags&0x01 != 0 }

// IsEncrypted reports whether the v3 privacy flag is set.
func (m Message) IsEncrypted() bool { return m.V3Flags&0x02 != 0 }

// Parser dissects a single SNMP datagram, per snmp_parser.hpp's SNMPParser.
type Parser struct {
	phase  parser.Phase
	errMsg string
	result Message

	Stats *Statistics
}

var _ parser.Contract = (*Parser)(nil)

func init() {
	parser.Default.Register(ProtocolID, "SNMP", func() parser.Contract {
		return &Parser{Stats: NewStatistics()}
	})
}

func (p *Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "SNMP", ID: ProtocolID, Layer: "application"}
}

func (p *Parser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining().Bytes()
	return len(rem) > 2 && rem[0] == byte(BERSequence)
}

func (p *Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining().Bytes()
	msg, consumed, err := decodeMessage(rem)
	if err != nil {
		return p.fail(ctx, parser.InvalidFormat, err.Error())
	}
	p.result = msg
	if p.Stats != nil {
		p.Stats.Record(msg)
	}
	ctx.Advance(consumed)
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return msg, parser.Success
}

func decodeMessage(data []byte) (Message, int, error) {
	r := berReader{data: data}
	tag, body, next, err := r.readTLV(0)
	if err != nil {
		return Message{}, 0, err
	}
	if BERType(tag) != BERSequence {
		return Message{}, 0, errors.New("snmp: message is not a BER SEQUENCE")
	}
	inner := berReader{data: body}

	tag, versionBytes, offset, err := inner.readTLV(0)
	if err != nil || BERType(tag) != BERInteger {
		return Message{}, 0, errors.New("snmp: missing version field")
	}
	msg := Message{Version: Version(readInteger(versionBytes))}

	if msg.Version == Version3 {
		if err := decodeV3(inner, offset, &msg); err != nil {
			return Message{}, 0, err
		}
		return msg, next, nil
	}

	tag, communityBytes, offset, err := inner.readTLV(offset)
	if err != nil || BERType(tag) != BEROctetString {
		return Message{}, 0, errors.New("snmp: missing community string")
	}
	msg.Community = string(communityBytes)

	pduTag, pduBody, _, err := inner.readTLV(offset)
	if err != nil {
		return Message{}, 0, errors.New("snmp: missing PDU")
	}
	pdu, err := decodePDU(pduTag, pduBody)
	if err != nil {
		return Message{}, 0, err
	}
	msg.PDU = pdu
	return msg, next, nil
}

func decodeV3(inner berReader, offset int, msg *Message) error {
	tag, globalData, offset, err := inner.readTLV(offset)
	if err != nil || BERType(tag) != BERSequence {
		return errors.New("snmp: missing v3 global header data")
	}
	gd := berReader{data: globalData}
	goff := 0
	var t byte
	var body []byte
	if t, body, goff, err = gd.readTLV(goff); err == nil && BERType(t) == BERInteger {
		msg.V3MessageID = readInteger(body)
	}
	if t, body, goff, err = gd.readTLV(goff); err == nil && BERType(t) == BERInteger {
		msg.V3MaxSize = readInteger(body)
	}
	if t, body, goff, err = gd.readTLV(goff); err == nil && BERType(t) == BEROctetString && len(body) > 0 {
		msg.V3Flags = body[0]
	}
	if t, body, _, err = gd.readTLV(goff); err == nil && BERType(t) == BERInteger {
		msg.V3SecurityModel = readInteger(body)
	}

	tag, secParams, offset, err := inner.readTLV(offset)
	if err != nil || BERType(tag) != BEROctetString {
		return errors.New("snmp: missing v3 security parameters")
	}
	msg.V3SecurityParams = append([]byte(nil), secParams...)

	tag, scopedBody, _, err := inner.readTLV(offset)
	if err != nil {
		return errors.New("snmp: missing v3 scoped PDU data")
	}
	if BERType(tag) != BERSequence {
		// Encrypted scopedPduData (OCTET STRING ciphertext): leave the
		// PDU zero-valued, matching is_encrypted()'s intended use.
		return nil
	}
	scoped := berReader{data: scopedBody}
	soff := 0
	if t, body, next, err := scoped.readTLV(soff); err == nil && BERType(t) == BEROctetString {
		msg.V3ContextEngineID = append([]byte(nil), body...)
		soff = next
	}
	if t, body, next, err := scoped.readTLV(soff); err == nil && BERType(t) == BEROctetString {
		msg.V3ContextName = string(body)
		soff = next
	}
	pduTag, pduBody, _, err := scoped.readTLV(soff)
	if err != nil {
		return errors.New("snmp: missing v3 scoped PDU")
	}
	pdu, err := decodePDU(pduTag, pduBody)
	if err != nil {
		return err
	}
	msg.PDU = pdu
	return nil
}

func decodePDU(tag byte, body []byte) (PDU, error) {
	pduType, ok := pduTypeFromTag(tag)
	if !ok {
		return PDU{}, errors.Errorf("snmp: unrecognized PDU tag 0x%02X", tag)
	}
	pdu := PDU{Type: pduType}
	r := berReader{data: body}
	offset := 0

	t, reqID, offset, err := r.readTLV(offset)
	if err != nil || BERType(t) != BERInteger {
		return PDU{}, errors.New("snmp: PDU missing request-id")
	}
	pdu.RequestID = readInteger(reqID)

	t, second, offset, err := r.readTLV(offset)
	if err != nil || BERType(t) != BERInteger {
		return PDU{}, errors.New("snmp: PDU missing second integer field")
	}
	t, third, offset, err := r.readTLV(offset)
	if err != nil || BERType(t) != BERInteger {
		return PDU{}, errors.New("snmp: PDU missing third integer field")
	}

	if pduType == PDUGetBulkRequest {
		pdu.NonRepeaters = readInteger(second)
		pdu.MaxRepetitions = readInteger(third)
	} else {
		pdu.ErrorStatus = ErrorStatus(readInteger(second))
		pdu.ErrorIndex = readInteger(third)
	}

	bindTag, bindBody, _, err := r.readTLV(offset)
	if err != nil || BERType(bindTag) != BERSequence {
		return pdu, nil // a PDU with no variable bindings is still valid
	}
	bindings, err := decodeVarBinds(bindBody)
	if err != nil {
		return PDU{}, err
	}
	pdu.VariableBindings = bindings
	return pdu, nil
}

func decodeVarBinds(data []byte) ([]VarBind, error) {
	r := berReader{data: data}
	offset := 0
	var bindings []VarBind
	for offset < len(data) {
		tag, body, next, err := r.readTLV(offset)
		if err != nil {
			return nil, err
		}
		if BERType(tag) != BERSequence {
			return nil, errors.New("snmp: variable binding is not a SEQUENCE")
		}
		vb, err := decodeVarBind(body)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, vb)
		offset = next
	}
	return bindings, nil
}

func decodeVarBind(data []byte) (VarBind, error) {
	r := berReader{data: data}
	tag, oidBody, offset, err := r.readTLV(0)
	if err != nil || BERType(tag) != BERObjectIdentifier {
		return VarBind{}, errors.New("snmp: variable binding missing OID")
	}
	oid, err := parseOID(oidBody)
	if err != nil {
		return VarBind{}, err
	}

	valTag, valBody, _, err := r.readTLV(offset)
	if err != nil {
		return VarBind{}, errors.New("snmp: variable binding missing value")
	}
	vb := VarBind{OID: oid, Type: BERType(valTag)}
	switch vb.Type {
	case BERInteger, BERCounter32, BERGauge32, BERTimeTicks, BERIPAddress, BERCounter64:
		vb.Value = readInteger(valBody)
	case BEROctetString, BEROpaque:
		vb.Bytes = append([]byte(nil), valBody...)
	}
	return vb, nil
}

func (p *Parser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
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
