// Package snmp dissects SNMPv1/v2c/v3 messages: a minimal BER decoder for
// the ASN.1 subset SNMP uses, PDU/variable-binding extraction, and traffic
// statistics, per spec.md §4.13.
//
// Grounded on original_source/include/parsers/application/snmp_parser.hpp:
// its BERType enum, SNMPPDU/VarBind shapes, and SNMPStatistics counters.
// SNMPv3's USM security parameters are parsed as opaque octet strings only
// (no authentication/privacy verification), per spec.md §1 Non-goals.
package snmp

import "github.com/pkg/errors"

// BERType is an ASN.1 BER/DER tag byte, per snmp_parser.hpp's BERType.
type BERType uint8

const (
	BERInteger          BERType = 0x02
	BEROctetString       BERType = 0x04
	BERNull              BERType = 0x05
	BERObjectIdentifier  BERType = 0x06
	BERSequence          BERType = 0x30
	BERIPAddress         BERType = 0x40
	BERCounter32         BERType = 0x41
	BERGauge32           BERType = 0x42
	BERTimeTicks         BERType = 0x43
	BEROpaque            BERType = 0x44
	BERCounter64         BERType = 0x46
)

// Context-specific tags used for SNMP PDU framing (RFC 3416 §3).
const (
	pduGetRequest     = 0xA0
	pduGetNextRequest = 0xA1
	pduGetResponse    = 0xA2
	pduSetRequest     = 0xA3
	pduTrap           = 0xA4
	pduGetBulkRequest = 0xA5
	pduInformRequest  = 0xA6
	pduTrapV2         = 0xA7
	pduReport         = 0xA8
)

// berReader walks a byte slice producing (tag, value, next offset, error)
// results, matching parse_ber_length's short/long form length decoding.
type berReader struct {
	data []byte
}

// readTLV reads one BER tag-length-value element starting at offset,
// returning the tag byte, the value bytes, and the offset just past the
// value.
func (r berReader) readTLV(offset int) (tag byte, value []byte, next int, err error) {
	if offset >= len(r.data) {
		return 0, nil, offset, errors.New("snmp: BER tag out of bounds")
	}
	tag = r.data[offset]
	offset++

	length, offset, err := r.readLength(offset)
	if err != nil {
		return 0, nil, offset, err
	}
	if offset+length > len(r.data) {
		return 0, nil, offset, errors.New("snmp: BER length exceeds buffer")
	}
	return tag, r.data[offset : offset+length], offset + length, nil
}

// readLength decodes a BER length field: short form (high bit clear, value
// in the low 7 bits) or long form (high bit set, low 7 bits give the byte
// count of a big-endian length value), per parse_ber_length.
func (r berReader) readLength(offset int) (length, next int, err error) {
	if offset >= len(r.data) {
		return 0, offset, errors.New("snmp: BER length out of bounds")
	}
	first := r.data[offset]
	offset++
	if first&0x80 == 0 {
		return int(first), offset, nil
	}
	numBytes := int(first & 0x7F)
	if numBytes == 0 || numBytes > 4 {
		return 0, offset, errors.New("snmp: unsupported BER long-form length")
	}
	if offset+numBytes > len(r.data) {
		return 0, offset, errors.New("snmp: truncated BER long-form length")
	}
	length = 0
	for i := 0; i < numBytes; i++ {
		length = (length << 8) | int(r.data[offset+i])
	}
	return length, offset + numBytes, nil
}

// readInteger decodes a two's-complement big-endian BER INTEGER value.
func readInteger(value []byte) int64 {
	if len(value) == 0 {
		return 0
	}
	var v int64
	if value[0]&0x80 != 0 {
		v = -1
	}
	for _, b := range value {
		v = (v << 8) | int64(b)
	}
	return v
}

// OID is a parsed Object Identifier, per snmp_parser.hpp's OID class.
type OID []uint32

// String renders the OID in dotted notation.
func (o OID) String() string {
	if len(o) == 0 {
		return ""
	}
	s := make([]byte, 0, len(o)*3)
	for i, c := range o {
		if i > 0 {
			s = append(s, '.')
		}
		s = appendUint32(s, c)
	}
	return string(s)
}

func appendUint32(dst []byte, v uint32) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var buf [10]byte
	n := len(buf)
	for v > 0 {
		n--
		buf[n] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, buf[n:]...)
}

// IsPrefixOf reports whether o is a prefix of other, for MIB-subtree
// matching.
func (o OID) IsPrefixOf(other OID) bool {
	if len(o) > len(other) {
		return false
	}
	for i, c := range o {
		if other[i] != c {
			return false
		}
	}
	return true
}

// parseOID decodes a BER OBJECT IDENTIFIER value (X.690 §8.19): the first
// byte encodes the first two arcs as 40*X+Y, remaining arcs are base-128
// with continuation bit 0x80.
func parseOID(value []byte) (OID, error) {
	if len(value) == 0 {
		return nil, errors.New("snmp: empty OID value")
	}
	oid := make(OID, 0, len(value)+1)
	oid = append(oid, uint32(value[0])/40, uint32(value[0])%40)

	var acc uint32
	for i := 1; i < len(value); i++ {
		b := value[i]
		acc = (acc << 7) | uint32(b&0x7F)
		if b&0x80 == 0 {
			oid = append(oid, acc)
			acc = 0
		}
	}
	return oid, nil
}
