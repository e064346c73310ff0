package ipsec

import (
	"fmt"
	"sync"
	"time"
)

// encryptionAlgorithms names IKEv2 ENCR transform IDs (RFC 8221 §5), per
// ipsec_deep_analyzer.hpp's encryption_algorithms_ table.
var encryptionAlgorithms = map[uint8]string{
	1:  "DES",
	2:  "IDEA",
	3:  "Blowfish",
	5:  "3DES",
	7:  "AES-CBC",
	8:  "AES-CTR",
	12: "AES-GCM-16",
	13: "AES-CCM-16",
	20: "AES-GCM-16-256",
	28: "ChaCha20-Poly1305",
}

// authenticationAlgorithms names IKEv2 INTEG/AUTH transform IDs (RFC 8221
// §6), per ipsec_deep_analyzer.hpp's authentication_algorithms_ table.
var authenticationAlgorithms = map[uint8]string{
	1: "HMAC-MD5-96",
	2: "HMAC-SHA1-96",
	5: "HMAC-SHA2-256-128",
	6: "HMAC-SHA2-384-192",
	7: "HMAC-SHA2-512-256",
	8: "AES-XCBC-96",
	9: "AES-GMAC-128",
}

// algorithmKeyLengths gives the conventional key length, in bits, for each
// encryption transform ID, per algorithm_key_lengths_.
var algorithmKeyLengths = map[uint8]uint32{
	1:  64,
	2:  128,
	3:  128,
	5:  192,
	7:  128,
	8:  128,
	12: 128,
	13: 128,
	20: 256,
	28: 256,
}

var weakEncryptionAlgorithms = map[string]bool{
	"DES": true, "IDEA": true, "Blowfish": true, "3DES": true,
}

var weakAuthenticationAlgorithms = map[string]bool{
	"HMAC-MD5-96": true,
}

func isWeakAlgorithm(name string) bool {
	return weakEncryptionAlgorithms[name] || weakAuthenticationAlgorithms[name]
}

func isStrongEncryption(name string, keyLength uint32) bool {
	switch name {
	case "AES-GCM-16", "AES-CCM-16", "AES-GCM-16-256", "ChaCha20-Poly1305":
		return true
	case "AES-CBC", "AES-CTR":
		return keyLength >= 256
	default:
		return false
	}
}

func isStrongAuthentication(name string) bool {
	switch name {
	case "HMAC-SHA2-256-128", "HMAC-SHA2-384-192", "HMAC-SHA2-512-256", "AES-GMAC-128":
		return true
	default:
		return false
	}
}

// AlgorithmStrength classifies a named ESP/IKE transform as "strong",
// "weak", or "unknown". keyLength is ignored for authentication
// transforms.
func AlgorithmStrength(name string, keyLength uint32) string {
	if isWeakAlgorithm(name) {
		return "weak"
	}
	if isStrongEncryption(name, keyLength) || isStrongAuthentication(name) {
		return "strong"
	}
	return "unknown"
}

// SecurityAnalysis is the IPsec counterpart to dnp3's SecurityAnalysis and
// tls's SecurityAnalysis: a per-packet composite score over named
// weaknesses, not a cryptographic verification, per
// IPSecSecurityAnalysis and spec.md §1 Non-goals.
type SecurityAnalysis struct {
	EncryptionAlgorithm    string
	AuthenticationAlgorithm string
	KeyLength              uint32
	StrongEncryption       bool
	StrongAuthentication   bool

	PerfectForwardSecrecy bool
	AntiReplayProtection  bool
	TunnelMode            bool
	TransportMode         bool

	Vulnerabilities     []string
	SecurityWarnings    []string
	ConfigurationIssues []string

	EncryptionScore    int
	AuthenticationScore int
	ProtocolScore      int
	OverallScore       int
	SecurityGrade      string

	DowngradeAttackDetected bool
	ReplayAttackDetected    bool
	DoSAttackDetected       bool
	MITMAttackPossible      bool
}

// calculateEncryptionScore mirrors calculate_encryption_score: a weak or
// unrecognized cipher starts low, strong AEAD ciphers with long keys score
// highest.
func calculateEncryptionScore(algorithm string, keyLength uint32) int {
	if algorithm == "" {
		return 0
	}
	score := 40
	if isStrongEncryption(algorithm, keyLength) {
		score = 90
	} else if !weakEncryptionAlgorithms[algorithm] {
		score = 60
	}
	if keyLength >= 256 {
		score += 10
	}
	if weakEncryptionAlgorithms[algorithm] {
		score = 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// calculateAuthenticationScore mirrors calculate_authentication_score.
func calculateAuthenticationScore(algorithm string) int {
	switch {
	case algorithm == "":
		return 0
	case isStrongAuthentication(algorithm):
		return 90
	case weakAuthenticationAlgorithms[algorithm]:
		return 15
	default:
		return 55
	}
}

// calculateProtocolScore mirrors calculate_protocol_score: rewards PFS,
// anti-replay, and tunnel mode as stronger defaults than transport mode.
func calculateProtocolScore(a SecurityAnalysis) int {
	score := 50
	if a.PerfectForwardSecrecy {
		score += 20
	}
	if a.AntiReplayProtection {
		score += 20
	}
	if a.TunnelMode {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// determineSecurityGrade mirrors determine_security_grade, using the same
// thresholds as tls.gradeFromScore for a consistent house grading scale.
func determineSecurityGrade(score int) string {
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

// AnalyzeSecurity scores a security association's negotiated algorithms
// and observed protocol flags, per analyze_security. sa may be the zero
// value when no IKE negotiation was observed for the SPI in question, in
// which case the analysis reports everything as unknown/weak.
func AnalyzeSecurity(sa SecurityAssociation, replayDetected, dosDetected bool) SecurityAnalysis {
	a := SecurityAnalysis{
		EncryptionAlgorithm:     sa.EncryptionAlgorithm,
		AuthenticationAlgorithm: sa.AuthenticationAlgorithm,
		KeyLength:               sa.KeyLength,
		TunnelMode:              sa.TunnelMode,
		TransportMode:           !sa.TunnelMode,
		AntiReplayProtection:    true,
		ReplayAttackDetected:    replayDetected,
		DoSAttackDetected:       dosDetected,
	}
	a.StrongEncryption = isStrongEncryption(sa.EncryptionAlgorithm, sa.KeyLength)
	a.StrongAuthentication = isStrongAuthentication(sa.AuthenticationAlgorithm)

	if sa.EncryptionAlgorithm == "" {
		a.ConfigurationIssues = append(a.ConfigurationIssues, "no encryption algorithm observed for this SPI")
	} else if isWeakAlgorithm(sa.EncryptionAlgorithm) {
		a.Vulnerabilities = append(a.Vulnerabilities, fmt.Sprintf("weak encryption algorithm in use: %s", sa.EncryptionAlgorithm))
	}
	if sa.AuthenticationAlgorithm != "" && isWeakAlgorithm(sa.AuthenticationAlgorithm) {
		a.Vulnerabilities = append(a.Vulnerabilities, fmt.Sprintf("weak authentication algorithm in use: %s", sa.AuthenticationAlgorithm))
	}
	if replayDetected {
		a.Vulnerabilities = append(a.Vulnerabilities, "replayed sequence number observed")
		a.AntiReplayProtection = false
	}
	if dosDetected {
		a.SecurityWarnings = append(a.SecurityWarnings, "unusually high packet rate for this security association")
	}
	if !sa.TunnelMode {
		a.SecurityWarnings = append(a.SecurityWarnings, "transport mode in use: endpoint identities are not hidden")
	}

	a.EncryptionScore = calculateEncryptionScore(sa.EncryptionAlgorithm, sa.KeyLength)
	a.AuthenticationScore = calculateAuthenticationScore(sa.AuthenticationAlgorithm)
	a.ProtocolScore = calculateProtocolScore(a)

	overall := (a.EncryptionScore + a.AuthenticationScore + a.ProtocolScore) / 3
	if replayDetected {
		overall -= 25
	}
	if dosDetected {
		overall -= 15
	}
	if overall < 0 {
		overall = 0
	}
	a.OverallScore = overall
	a.SecurityGrade = determineSecurityGrade(overall)
	a.MITMAttackPossible = sa.EncryptionAlgorithm == "" || sa.AuthenticationAlgorithm == ""
	return a
}

// SecurityAssociation tracks what this module has learned about one SPI,
// per IPSecDeepAnalyzer's private SecurityAssociation. Algorithm fields
// are set by NegotiateAlgorithms; ObserveAH fills an empty
// AuthenticationAlgorithm with "HMAC-SHA2-256-128". IKE SA payloads are
// not decoded, so nothing else sets them.
type SecurityAssociation struct {
	SPI                     uint32
	EncryptionAlgorithm     string
	AuthenticationAlgorithm string
	KeyLength               uint32
	TunnelMode              bool
	CreatedAt               time.Time
	BytesProcessed          uint64
	LastSequence            uint32
}

// SecurityMonitor accumulates per-SPI security-association state, replay
// tracking, and DoS-rate tracking across a sequence of ESP/AH/IKE
// messages, per IPSecDeepAnalyzer's security_associations_,
// sequence_tracking_, and dos_detection_state_ members. One mutex guards
// all of it, same reasoning as dnp3.SecurityMonitor.
type SecurityMonitor struct {
	mu sync.Mutex

	associations map[uint32]*SecurityAssociation
	// seenSequences bounds replay detection to "have we seen this exact
	// sequence number for this SPI before", per check_replay_attack.
	seenSequences map[uint32]map[uint32]struct{}
	recentPackets map[uint32][]time.Time

	// DoSRateThreshold is the packet count within DoSRateWindow that
	// trips detect_dos_attack for a given SPI.
	DoSRateThreshold int
	DoSRateWindow     time.Duration
}

func NewSecurityMonitor() *SecurityMonitor {
	return &SecurityMonitor{
		associations:     make(map[uint32]*SecurityAssociation),
		seenSequences:    make(map[uint32]map[uint32]struct{}),
		recentPackets:    make(map[uint32][]time.Time),
		DoSRateThreshold: 1000,
		DoSRateWindow:    time.Second,
	}
}

func (m *SecurityMonitor) association(spi uint32) *SecurityAssociation {
	sa, ok := m.associations[spi]
	if !ok {
		sa = &SecurityAssociation{SPI: spi, CreatedAt: time.Now()}
		m.associations[spi] = sa
	}
	return sa
}

// checkReplay reports whether sequence has already been observed for spi,
// per check_replay_attack, and records it either way.
func (m *SecurityMonitor) checkReplay(spi, sequence uint32) bool {
	seen, ok := m.seenSequences[spi]
	if !ok {
		seen = make(map[uint32]struct{})
		m.seenSequences[spi] = seen
	}
	_, replay := seen[sequence]
	seen[sequence] = struct{}{}
	return replay
}

// checkDoSRate reports whether spi has exceeded DoSRateThreshold packets
// within DoSRateWindow, per check_dos_patterns.
func (m *SecurityMonitor) checkDoSRate(spi uint32, now time.Time) bool {
	cutoff := now.Add(-m.DoSRateWindow)
	times := m.recentPackets[spi]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.recentPackets[spi] = kept
	return len(kept) > m.DoSRateThreshold
}

// ObserveESP folds one ESP datagram into the monitor's state and returns
// its security analysis.
func (m *SecurityMonitor) ObserveESP(msg ESPMessage) SecurityAnalysis {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sa := m.association(msg.Header.SPI)
	sa.LastSequence = msg.Header.Sequence
	sa.BytesProcessed += uint64(len(msg.EncryptedPayload))

	replay := m.checkReplay(msg.Header.SPI, msg.Header.Sequence)
	dos := m.checkDoSRate(msg.Header.SPI, now)
	return AnalyzeSecurity(*sa, replay, dos)
}

// ObserveAH folds one AH datagram into the monitor's state and returns
// its security analysis. AH carries no encryption, only authentication,
// per AHHeader's absence of an encryption field.
func (m *SecurityMonitor) ObserveAH(hdr AHHeader) SecurityAnalysis {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sa := m.association(hdr.SPI)
	sa.LastSequence = hdr.Sequence
	sa.BytesProcessed += uint64(len(hdr.ICV))
	if sa.AuthenticationAlgorithm == "" {
		sa.AuthenticationAlgorithm = "HMAC-SHA2-256-128"
	}

	replay := m.checkReplay(hdr.SPI, hdr.Sequence)
	dos := m.checkDoSRate(hdr.SPI, now)
	return AnalyzeSecurity(*sa, replay, dos)
}

// NegotiateAlgorithms records the encryption/authentication algorithms an
// IKE exchange negotiated for spi, so later ESP/AH traffic on that SPI is
// scored against real algorithm choices rather than unknowns, per
// update_security_association.
func (m *SecurityMonitor) NegotiateAlgorithms(spi uint32, encryptionID, authenticationID uint8, tunnelMode bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa := m.association(spi)
	if name, ok := encryptionAlgorithms[encryptionID]; ok {
		sa.EncryptionAlgorithm = name
		sa.KeyLength = algorithmKeyLengths[encryptionID]
	}
	if name, ok := authenticationAlgorithms[authenticationID]; ok {
		sa.AuthenticationAlgorithm = name
	}
	sa.TunnelMode = tunnelMode
}

// DetectDowngrade reports whether proposed, the set of encryption
// transform IDs an IKE SA payload proposed, contains only weak ciphers
// while at least one strong cipher exists in the algorithm table, per
// check_downgrade_attempt: a peer offering nothing but DES/3DES when
// AES-GCM is available in this implementation's table is a classic
// downgrade signal.
func DetectDowngrade(proposed []uint8) bool {
	sawWeak := false
	for _, id := range proposed {
		name, ok := encryptionAlgorithms[id]
		if !ok {
			continue
		}
		if weakEncryptionAlgorithms[name] {
			sawWeak = true
			continue
		}
		return false
	}
	return sawWeak
}
