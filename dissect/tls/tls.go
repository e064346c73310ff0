// Package tls dissects TLS records and handshake messages, scores cipher
// suites and protocol versions for known weaknesses, tracks handshake
// progress, and computes JA3/JA3S fingerprints, per spec.md §4.9.
//
// Grounded on
// original_source/include/parsers/security/tls_deep_inspector.hpp for the
// version/cipher/extension enumerations, the handshake-state milestones, and
// the security-scoring rules, and on pcap/ja3/ja3.go (teacher) for the JA3
// hash construction, adapted from the teacher's
// gnet.TLSClientHello/TLSServerHello types to this package's own
// ClientHello/ServerHello.
package tls

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
	"github.com/packetforge/dissect/slices"
)

// Record content types, per tls_deep_inspector.hpp's TLSRecordType.
const (
	RecordChangeCipherSpec = 20
	RecordAlert            = 21
	RecordHandshake        = 22
	RecordApplicationData  = 23
	RecordHeartbeat        = 24
)

// Handshake message types, per TLSHandshakeType.
const (
	HandshakeHelloRequest        = 0
	HandshakeClientHello         = 1
	HandshakeServerHello         = 2
	HandshakeNewSessionTicket    = 4
	HandshakeEncryptedExtensions = 8
	HandshakeCertificate         = 11
	HandshakeServerKeyExchange   = 12
	HandshakeCertificateRequest  = 13
	HandshakeServerHelloDone     = 14
	HandshakeCertificateVerify   = 15
	HandshakeClientKeyExchange   = 16
	HandshakeFinished            = 20
)

// Protocol versions, per TLSVersion.
const (
	VersionSSL30 = 0x0300
	VersionTLS10 = 0x0301
	VersionTLS11 = 0x0302
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304
)

const tlsRecordHeaderSize = 5

// Record is one TLS record layer frame.
type Record struct {
	ContentType uint8
	Version     uint16
	Length      uint16
	Fragment    bslice.Slice
}

// ClientHello is the parsed body of a ClientHello handshake message.
type ClientHello struct {
	Version            uint16
	Random             []byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []uint8
	Extensions         []uint16
	ServerName         string
	SupportedCurves    []uint16
	SupportedPoints    []uint8
	ALPNProtocols      []string
}

// ServerHello is the parsed body of a ServerHello handshake message.
type ServerHello struct {
	HandshakeVersion  uint16
	Random            []byte
	SessionID         []byte
	CipherSuite       uint16
	CompressionMethod uint8
	Extensions        []uint16
}

// Certificate is one DER-encoded certificate from a Certificate handshake
// message. Unlike tls_deep_inspector.cpp's parse_certificate_message (which
// decodes only the first entry and fabricates subject/issuer/expiry
// placeholders), this keeps the raw bytes of every certificate in the chain
// and leaves X.509 field extraction to a caller that needs it, per spec.md
// §4.9's "certificate_chain" wording.
type Certificate struct {
	Raw []byte
}

// HandshakeState is the ten-milestone progress tracker from
// tls_deep_inspector.hpp's TLSHandshakeState, plus the two connection-level
// flags (change_cipher_spec and heartbeat) the security analysis needs.
type HandshakeState struct {
	ClientHelloSeen        bool
	ServerHelloSeen        bool
	CertificateSeen        bool
	ServerKeyExchangeSeen  bool
	CertificateRequestSeen bool
	ServerHelloDoneSeen    bool
	ClientKeyExchangeSeen  bool
	CertificateVerifySeen  bool
	ClientFinishedSeen     bool
	ServerFinishedSeen     bool

	ChangeCipherSpecSeen bool
	HeartbeatSeen        bool
}

const handshakeMilestoneCount = 10

// IsComplete reports whether both sides' Finished messages have been seen,
// per TLSHandshakeState::is_complete.
func (s HandshakeState) IsComplete() bool {
	return s.ClientFinishedSeen && s.ServerFinishedSeen
}

// CompletionPercentage returns the fraction (0-1) of the ten handshake
// milestones observed so far, per TLSHandshakeState::get_completion_percentage.
func (s HandshakeState) CompletionPercentage() float64 {
	completed := 0
	for _, seen := range []bool{
		s.ClientHelloSeen, s.ServerHelloSeen, s.CertificateSeen,
		s.ServerKeyExchangeSeen, s.CertificateRequestSeen, s.ServerHelloDoneSeen,
		s.ClientKeyExchangeSeen, s.CertificateVerifySeen, s.ClientFinishedSeen,
		s.ServerFinishedSeen,
	} {
		if seen {
			completed++
		}
	}
	return float64(completed) / float64(handshakeMilestoneCount)
}

// Info is the outer dissection result: the record header, the most
// recently seen ClientHello/ServerHello for this connection (not just this
// record — once both sides' hellos have been observed, both stay
// populated), and the accumulated handshake/security state.
type Info struct {
	Record                  Record
	ClientHello             *ClientHello
	ServerHello             *ServerHello
	CertificateChain        []Certificate
	CertificateFingerprints []string
	JA3                     string
	JA3S                    string
	HandshakeState          HandshakeState
	SecurityAnalysis        SecurityAnalysis
	IsValid                 bool
}

// Parser dissects a sequence of TLS records belonging to one connection
// direction, accumulating handshake progress and security findings across
// calls. Grounded on tls_deep_inspector.hpp's record/handshake type tables
// and TLSHandshakeState.
type Parser struct {
	phase  parser.Phase
	result Info
	errMsg string

	// IsClient selects which side of the connection this Parser decodes,
	// so a Finished message updates ClientFinishedSeen or
	// ServerFinishedSeen correctly. Two Parser instances, one per
	// direction, should share a State pointer for a single connection.
	IsClient bool

	// State accumulates handshake milestones across Parse calls on the
	// same connection. A fresh one is allocated on first use if the
	// caller didn't supply one.
	State *HandshakeState

	lastClientHello *ClientHello
	lastServerHello *ServerHello
}

var _ parser.Contract = (*Parser)(nil)

func init() {
	parser.Default.Register(ProtocolID, "TLS", func() parser.Contract {
		return &Parser{}
	})
}

// ProtocolID is a synthetic registry key: TLS is detected by port/content,
// not dispatched to from a lower-layer protocol field.
const ProtocolID = 0x10016

func (p *Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "TLS", ID: ProtocolID, Layer: "application"}
}

func (p *Parser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining()
	if rem.Len() < tlsRecordHeaderSize {
		return false
	}
	ct := rem.U8(0)
	return ct >= RecordChangeCipherSpec && ct <= RecordHeartbeat
}

func (p *Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	if rem.Len() < tlsRecordHeaderSize {
		return p.fail(ctx, parser.BufferTooSmall, "tls: buffer shorter than 5-byte record header")
	}

	contentType := rem.U8(0)
	version := rem.U16BE(1)
	length := rem.U16BE(3)
	if rem.Len() < tlsRecordHeaderSize+int(length) {
		p.phase = parser.PhaseParsing
		ctx.Phase = p.phase
		return nil, parser.NeedMoreData
	}

	if p.State == nil {
		p.State = &HandshakeState{}
	}

	p.result = Info{
		Record: Record{
			ContentType: contentType,
			Version:     version,
			Length:      length,
			Fragment:    rem.Sub(tlsRecordHeaderSize, tlsRecordHeaderSize+int(length)),
		},
	}

	switch contentType {
	case RecordChangeCipherSpec:
		p.State.ChangeCipherSpecSeen = true
	case RecordHeartbeat:
		p.State.HeartbeatSeen = true
	case RecordHandshake:
		p.parseHandshake(length)
	}

	p.result.ClientHello = p.lastClientHello
	p.result.ServerHello = p.lastServerHello
	p.result.HandshakeState = *p.State
	p.result.SecurityAnalysis = AnalyzeHandshake(p.lastClientHello, p.lastServerHello, p.State.HeartbeatSeen)
	p.result.IsValid = true

	ctx.Advance(tlsRecordHeaderSize + int(length))
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return p.result, parser.Success
}

// parseHandshake decodes the single handshake message carried by a
// Handshake-type record and folds it into the connection's accumulated
// state. Fragmented handshake messages that span multiple records are not
// reassembled here, matching the per-record scope of the rest of this
// dissector.
func (p *Parser) parseHandshake(length uint16) {
	if length < 4 {
		return
	}
	body := p.result.Record.Fragment
	msgType := body.U8(0)
	msgLen := int(body.U24BE(1))
	if body.Len() < 4+msgLen {
		return
	}
	payload := body.Sub(4, 4+msgLen)

	switch msgType {
	case HandshakeClientHello:
		if ch, err := parseClientHello(payload); err == nil {
			p.lastClientHello = ch
			p.result.JA3 = ComputeJA3(*ch)
			p.State.ClientHelloSeen = true
		}
	case HandshakeServerHello:
		if sh, err := parseServerHello(payload); err == nil {
			p.lastServerHello = sh
			p.result.JA3S = ComputeJA3S(*sh)
			p.State.ServerHelloSeen = true
		}
	case HandshakeCertificate:
		if chain, err := parseCertificateChain(payload); err == nil {
			p.result.CertificateChain = chain
			p.result.CertificateFingerprints = CertificateFingerprints(chain)
			p.State.CertificateSeen = true
		}
	case HandshakeServerKeyExchange:
		p.State.ServerKeyExchangeSeen = true
	case HandshakeCertificateRequest:
		p.State.CertificateRequestSeen = true
	case HandshakeServerHelloDone:
		p.State.ServerHelloDoneSeen = true
	case HandshakeClientKeyExchange:
		p.State.ClientKeyExchangeSeen = true
	case HandshakeCertificateVerify:
		p.State.CertificateVerifySeen = true
	case HandshakeFinished:
		if p.IsClient {
			p.State.ClientFinishedSeen = true
		} else {
			p.State.ServerFinishedSeen = true
		}
	}
}

func (p *Parser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	return nil, outcome
}

// Reset clears the per-record dissection state but preserves the
// connection-level accumulators (IsClient, State, and the last-seen hellos),
// so a caller that feeds successive records from one connection through the
// same Parser keeps its handshake progress and cipher context.
func (p *Parser) Reset() {
	*p = Parser{
		IsClient:        p.IsClient,
		State:           p.State,
		lastClientHello: p.lastClientHello,
		lastServerHello: p.lastServerHello,
	}
}

func (p *Parser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *Parser) ErrorMessage() string { return p.errMsg }

func parseClientHello(b bslice.Slice) (*ClientHello, error) {
	if b.Len() < 2+32+1 {
		return nil, errors.New("tls: client hello too short")
	}
	ch := &ClientHello{Version: b.U16BE(0)}
	offset := 2
	ch.Random = append([]byte(nil), b.Bytes()[offset:offset+32]...)
	offset += 32

	sessionIDLen := int(b.U8(offset))
	offset++
	if b.Len() < offset+sessionIDLen {
		return nil, errors.New("tls: truncated session id")
	}
	ch.SessionID = append([]byte(nil), b.Bytes()[offset:offset+sessionIDLen]...)
	offset += sessionIDLen

	if b.Len() < offset+2 {
		return nil, errors.New("tls: truncated cipher suite length")
	}
	cipherLen := int(b.U16BE(offset))
	offset += 2
	if b.Len() < offset+cipherLen {
		return nil, errors.New("tls: truncated cipher suites")
	}
	for i := 0; i+1 < cipherLen; i += 2 {
		ch.CipherSuites = append(ch.CipherSuites, b.U16BE(offset+i))
	}
	offset += cipherLen

	if b.Len() < offset+1 {
		return nil, errors.New("tls: truncated compression methods length")
	}
	compLen := int(b.U8(offset))
	offset++
	if b.Len() < offset+compLen {
		return nil, errors.New("tls: truncated compression methods")
	}
	ch.CompressionMethods = append([]byte(nil), b.Bytes()[offset:offset+compLen]...)
	offset += compLen

	if b.Len() < offset+2 {
		return ch, nil // extensions are optional
	}
	extTotalLen := int(b.U16BE(offset))
	offset += 2
	end := offset + extTotalLen
	if end > b.Len() {
		end = b.Len()
	}
	for offset+4 <= end {
		extType := b.U16BE(offset)
		extLen := int(b.U16BE(offset + 2))
		extData := offset + 4
		if extData+extLen > end {
			break
		}
		ch.Extensions = append(ch.Extensions, extType)
		parseExtensionBody(ch, extType, b.Sub(extData, extData+extLen))
		offset = extData + extLen
	}

	return ch, nil
}

func parseExtensionBody(ch *ClientHello, extType uint16, data bslice.Slice) {
	switch extType {
	case extServerName:
		if data.Len() >= 5 {
			nameLen := int(data.U16BE(3))
			if data.Len() >= 5+nameLen {
				ch.ServerName = string(data.Bytes()[5 : 5+nameLen])
			}
		}
	case extSupportedGroups:
		if data.Len() >= 2 {
			listLen := int(data.U16BE(0))
			for i := 0; i+1 < listLen && 2+i+1 < data.Len(); i += 2 {
				ch.SupportedCurves = append(ch.SupportedCurves, data.U16BE(2+i))
			}
		}
	case extECPointFormats:
		if data.Len() >= 1 {
			listLen := int(data.U8(0))
			if data.Len() >= 1+listLen {
				ch.SupportedPoints = append([]byte(nil), data.Bytes()[1:1+listLen]...)
			}
		}
	case extALPN:
		if data.Len() >= 2 {
			listLen := int(data.U16BE(0))
			end := 2 + listLen
			if end > data.Len() {
				end = data.Len()
			}
			i := 2
			for i < end {
				protoLen := int(data.U8(i))
				if i+1+protoLen > end {
					break
				}
				ch.ALPNProtocols = append(ch.ALPNProtocols, string(data.Bytes()[i+1:i+1+protoLen]))
				i += 1 + protoLen
			}
		}
	}
}

const (
	extServerName      = 0
	extSupportedGroups = 10
	extECPointFormats  = 11
	extALPN            = 16
)

func parseServerHello(b bslice.Slice) (*ServerHello, error) {
	if b.Len() < 2+32+1 {
		return nil, errors.New("tls: server hello too short")
	}
	sh := &ServerHello{HandshakeVersion: b.U16BE(0)}
	offset := 2
	sh.Random = append([]byte(nil), b.Bytes()[offset:offset+32]...)
	offset += 32

	sessionIDLen := int(b.U8(offset))
	offset++
	offset += sessionIDLen
	if b.Len() < offset+3 {
		return nil, errors.New("tls: truncated cipher suite/compression")
	}
	sh.CipherSuite = b.U16BE(offset)
	offset += 2
	sh.CompressionMethod = b.U8(offset)
	offset++

	if b.Len() < offset+2 {
		return sh, nil
	}
	extTotalLen := int(b.U16BE(offset))
	offset += 2
	end := offset + extTotalLen
	if end > b.Len() {
		end = b.Len()
	}
	for offset+4 <= end {
		extType := b.U16BE(offset)
		extLen := int(b.U16BE(offset + 2))
		if offset+4+extLen > end {
			break
		}
		sh.Extensions = append(sh.Extensions, extType)
		offset += 4 + extLen
	}
	return sh, nil
}

// parseCertificateChain decodes a Certificate handshake message body: a
// 3-byte total certificate-list length followed by a sequence of
// {3-byte length, DER bytes} entries, per spec.md §4.9. Unlike
// tls_deep_inspector.cpp's parse_certificate_message, every certificate in
// the sequence is kept (not just the first), and no subject/issuer/expiry
// fields are fabricated — callers that need X.509 details parse Raw
// themselves.
func parseCertificateChain(b bslice.Slice) ([]Certificate, error) {
	if b.Len() < 3 {
		return nil, errors.New("tls: certificate message too short")
	}
	total := int(b.U24BE(0))
	offset := 3
	end := offset + total
	if end > b.Len() {
		end = b.Len()
	}

	var chain []Certificate
	for offset+3 <= end {
		certLen := int(b.U24BE(offset))
		offset += 3
		if offset+certLen > end {
			break
		}
		chain = append(chain, Certificate{Raw: append([]byte(nil), b.Bytes()[offset:offset+certLen]...)})
		offset += certLen
	}
	return chain, nil
}

// CertificateFingerprints returns the MD5 fingerprint of every certificate
// in chain, wire order (leaf first).
func CertificateFingerprints(chain []Certificate) []string {
	return slices.Map(chain, func(c Certificate) string {
		sum := md5.Sum(c.Raw)
		return hex.EncodeToString(sum[:])
	})
}

// CertificateChainRootFirst returns chain reversed: root CA first, leaf
// last, the order most chain-validation tooling walks rather than the
// leaf-first order Certificate messages carry on the wire.
func CertificateChainRootFirst(chain []Certificate) []Certificate {
	return slices.Reverse(chain)
}

// --- JA3/JA3S fingerprinting ---
//
// Grounded on pcap/ja3/ja3.go (teacher), adapted field-for-field from the
// teacher's gnet.TLSClientHello/TLSServerHello to this package's
// ClientHello/ServerHello.

const dashByte = byte(45)
const commaByte = byte(44)

// ComputeJA3 returns the JA3 fingerprint hash:
// SSLVersion,Cipher,SSLExtension,EllipticCurve,EllipticCurvePointFormat
func ComputeJA3(ch ClientHello) string {
	var b []byte
	b = strconv.AppendUint(b, uint64(ch.Version), 10)
	b = append(b, commaByte)

	b = appendDashedUints16(b, ch.CipherSuites)
	for _, e := range ch.Extensions {
		b = strconv.AppendUint(b, uint64(e), 10)
		b = append(b, dashByte)
	}
	if len(b) > 0 && b[len(b)-1] == dashByte {
		b[len(b)-1] = commaByte
	} else {
		b = append(b, commaByte)
	}

	b = appendDashedUints16(b, ch.SupportedCurves)

	if len(ch.SupportedPoints) > 0 {
		for _, v := range ch.SupportedPoints {
			b = strconv.AppendUint(b, uint64(v), 10)
			b = append(b, dashByte)
		}
		b = b[:len(b)-1]
	}

	h := md5.Sum(b)
	return hex.EncodeToString(h[:])
}

// ComputeJA3S returns the JA3S fingerprint hash: SSLVersion,Cipher,SSLExtension.
func ComputeJA3S(sh ServerHello) string {
	var b []byte
	b = strconv.AppendUint(b, uint64(sh.HandshakeVersion), 10)
	b = append(b, commaByte)
	b = strconv.AppendUint(b, uint64(sh.CipherSuite), 10)
	b = append(b, commaByte)

	for _, e := range sh.Extensions {
		b = strconv.AppendUint(b, uint64(e), 10)
		b = append(b, dashByte)
	}
	if len(b) > 0 && b[len(b)-1] == dashByte {
		b = b[:len(b)-1]
	}

	h := md5.Sum(b)
	return hex.EncodeToString(h[:])
}

func appendDashedUints16(b []byte, values []uint16) []byte {
	if len(values) == 0 {
		return append(b, commaByte)
	}
	for _, v := range values {
		b = strconv.AppendUint(b, uint64(v), 10)
		b = append(b, dashByte)
	}
	b[len(b)-1] = commaByte
	return b
}
