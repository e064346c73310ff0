package tls

import "strings"

// CipherSuite describes one named TLS cipher suite's cryptographic
// properties, per tls_deep_inspector.hpp's TLSCipherSuite.
type CipherSuite struct {
	ID            uint16
	Name          string
	KeyExchange   string
	Encryption    string
	MAC           string
	IsAEAD        bool
	SupportsPFS   bool
	SecurityLevel int // 1 (weak) .. 5 (strong)
}

// cipherSuites is a small, representative database of well-known suites;
// unrecognized IDs are treated as unknown-strength rather than failing
// dissection, per spec.md §1 Non-goals (no full crypto verification).
var cipherSuites = map[uint16]CipherSuite{
	0x0000: {ID: 0x0000, Name: "TLS_NULL_WITH_NULL_NULL", KeyExchange: "NULL", Encryption: "NULL", MAC: "NULL", SecurityLevel: 0},
	0x0004: {ID: 0x0004, Name: "TLS_RSA_WITH_RC4_128_MD5", KeyExchange: "RSA", Encryption: "RC4-128", MAC: "MD5", SecurityLevel: 1},
	0x0005: {ID: 0x0005, Name: "TLS_RSA_WITH_RC4_128_SHA", KeyExchange: "RSA", Encryption: "RC4-128", MAC: "SHA1", SecurityLevel: 1},
	0x0009: {ID: 0x0009, Name: "TLS_RSA_WITH_DES_CBC_SHA", KeyExchange: "RSA", Encryption: "DES-CBC", MAC: "SHA1", SecurityLevel: 1},
	0x000A: {ID: 0x000A, Name: "TLS_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchange: "RSA", Encryption: "3DES", MAC: "SHA1", SecurityLevel: 2},
	0x002F: {ID: 0x002F, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", KeyExchange: "RSA", Encryption: "AES-128-CBC", MAC: "SHA1", SecurityLevel: 3},
	0x0035: {ID: 0x0035, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", KeyExchange: "RSA", Encryption: "AES-256-CBC", MAC: "SHA1", SecurityLevel: 3},
	0xC013: {ID: 0xC013, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", KeyExchange: "ECDHE", Encryption: "AES-128-CBC", MAC: "SHA1", SupportsPFS: true, SecurityLevel: 3},
	0xC02F: {ID: 0xC02F, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: "ECDHE", Encryption: "AES-128-GCM", MAC: "AEAD", IsAEAD: true, SupportsPFS: true, SecurityLevel: 5},
	0xC030: {ID: 0xC030, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", KeyExchange: "ECDHE", Encryption: "AES-256-GCM", MAC: "AEAD", IsAEAD: true, SupportsPFS: true, SecurityLevel: 5},
	0xCCA8: {ID: 0xCCA8, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", KeyExchange: "ECDHE", Encryption: "CHACHA20-POLY1305", MAC: "AEAD", IsAEAD: true, SupportsPFS: true, SecurityLevel: 5},
	0x1301: {ID: 0x1301, Name: "TLS_AES_128_GCM_SHA256", KeyExchange: "TLS1.3", Encryption: "AES-128-GCM", MAC: "AEAD", IsAEAD: true, SupportsPFS: true, SecurityLevel: 5},
	0x1302: {ID: 0x1302, Name: "TLS_AES_256_GCM_SHA384", KeyExchange: "TLS1.3", Encryption: "AES-256-GCM", MAC: "AEAD", IsAEAD: true, SupportsPFS: true, SecurityLevel: 5},
	0x1303: {ID: 0x1303, Name: "TLS_CHACHA20_POLY1305_SHA256", KeyExchange: "TLS1.3", Encryption: "CHACHA20-POLY1305", MAC: "AEAD", IsAEAD: true, SupportsPFS: true, SecurityLevel: 5},
}

// LookupCipherSuite returns the known properties of id, or ok=false for an
// unrecognized suite.
func LookupCipherSuite(id uint16) (CipherSuite, bool) {
	cs, ok := cipherSuites[id]
	return cs, ok
}

// isWeakCipher reports whether cs is one of the deprecated ciphers
// spec.md §4.9 names explicitly: RC4, DES, or a NULL encryption/MAC, or an
// MD5 MAC.
func isWeakCipher(cs CipherSuite) bool {
	return strings.Contains(cs.Encryption, "RC4") ||
		strings.Contains(cs.Encryption, "DES") ||
		strings.Contains(cs.Encryption, "NULL") ||
		cs.MAC == "MD5" ||
		cs.MAC == "NULL"
}

// SecurityAnalysis is a subset of tls_deep_inspector.hpp's
// TLSSecurityAnalysis: per spec.md §4.9's scope, this module classifies
// named weaknesses by protocol version, cipher choice, compression, and
// heartbeat usage without verifying certificates or decrypting anything.
type SecurityAnalysis struct {
	UsesWeakProtocol      bool
	PoodleVulnerable      bool
	UsesDeprecatedCipher  bool
	CompressionEnabled    bool
	CrimeVulnerable       bool
	PerfectForwardSecrecy bool
	HeartbleedVulnerable  bool
	Vulnerabilities       []string
	SecurityScore         int // 0-100
	SecurityGrade         string
}

// AnalyzeHandshake scores a connection's observed ClientHello/ServerHello
// pair and heartbeat usage for known protocol and cipher weaknesses, per
// calculate_security_score: a 100-point baseline, minus 40 for a protocol
// version at or below TLS 1.1, minus 20 for a deprecated cipher or MAC,
// minus 15 for compression (CRIME), minus 10 for missing forward secrecy,
// minus 25 for Heartbleed exposure.
func AnalyzeHandshake(ch *ClientHello, sh *ServerHello, heartbeatSeen bool) SecurityAnalysis {
	var a SecurityAnalysis
	score := 100

	var version uint16
	switch {
	case sh != nil:
		version = sh.HandshakeVersion
	case ch != nil:
		version = ch.Version
	}

	if version != 0 && version <= VersionTLS11 {
		a.UsesWeakProtocol = true
		a.Vulnerabilities = append(a.Vulnerabilities, "deprecated TLS version below 1.2")
		score -= 40
	}
	if version == VersionSSL30 {
		a.PoodleVulnerable = true
		a.Vulnerabilities = append(a.Vulnerabilities, "POODLE (SSLv3 in use)")
	}

	if sh != nil {
		if cs, ok := LookupCipherSuite(sh.CipherSuite); ok {
			if isWeakCipher(cs) {
				a.UsesDeprecatedCipher = true
				a.Vulnerabilities = append(a.Vulnerabilities, "weak cipher suite: "+cs.Name)
				score -= 20
			}
			a.PerfectForwardSecrecy = cs.SupportsPFS
			if !cs.SupportsPFS {
				a.Vulnerabilities = append(a.Vulnerabilities, "no ECDHE/DHE key exchange: lacks perfect forward secrecy")
				score -= 10
			}
		}
	}

	if ch != nil && len(ch.CompressionMethods) > 1 {
		a.CompressionEnabled = true
		a.CrimeVulnerable = true
		a.Vulnerabilities = append(a.Vulnerabilities, "compression enabled (CRIME)")
		score -= 15
	}

	if heartbeatSeen && version >= VersionTLS10 && version <= VersionTLS12 {
		a.HeartbleedVulnerable = true
		a.Vulnerabilities = append(a.Vulnerabilities, "heartbeat extension on pre-TLS1.3 connection (Heartbleed)")
		score -= 25
	}

	if score < 0 {
		score = 0
	}
	a.SecurityScore = score
	a.SecurityGrade = gradeFromScore(score)
	return a
}

func gradeFromScore(score int) string {
	switch {
	case score >= 95:
		return "A+"
	case score >= 80:
		return "A"
	case score >= 65:
		return "B"
	case score >= 50:
		return "C"
	case score >= 35:
		return "D"
	default:
		return "F"
	}
}
