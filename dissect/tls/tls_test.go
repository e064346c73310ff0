package tls

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func buildClientHelloRecord() []byte {
	// Handshake body: version, random(32), session_id_len=0,
	// cipher_suites_len=4 (2 suites), compression_len=1, extensions_len=0.
	body := []byte{0x03, 0x03}
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // session id len
	body = append(body, 0, 4)                // cipher suites length
	body = append(body, 0xC0, 0x2F, 0x00, 0x35)
	body = append(body, 1, 0) // compression methods: len 1, null
	body = append(body, 0, 0) // extensions length 0

	handshake := append([]byte{HandshakeClientHello, 0, 0, byte(len(body))}, body...)

	record := []byte{RecordHandshake, 0x03, 0x03, byte(len(handshake) >> 8), byte(len(handshake))}
	return append(record, handshake...)
}

func buildServerHelloRecord(cipherSuite uint16, version uint16) []byte {
	body := []byte{byte(version >> 8), byte(version)}
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // session id len
	body = append(body, byte(cipherSuite>>8), byte(cipherSuite))
	body = append(body, 0)    // compression method
	body = append(body, 0, 0) // extensions length 0

	handshake := append([]byte{HandshakeServerHello, 0, 0, byte(len(body))}, body...)

	record := []byte{RecordHandshake, 0x03, 0x03, byte(len(handshake) >> 8), byte(len(handshake))}
	return append(record, handshake...)
}

func buildCertificateRecord(certs ...[]byte) []byte {
	var certList []byte
	for _, c := range certs {
		certList = append(certList, byte(len(c)>>16), byte(len(c)>>8), byte(len(c)))
		certList = append(certList, c...)
	}
	body := []byte{byte(len(certList) >> 16), byte(len(certList) >> 8), byte(len(certList))}
	body = append(body, certList...)

	handshake := append([]byte{HandshakeCertificate, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	record := []byte{RecordHandshake, 0x03, 0x03, byte(len(handshake) >> 8), byte(len(handshake))}
	return append(record, handshake...)
}

func TestParserParsesClientHello(t *testing.T) {
	pkt := buildClientHelloRecord()
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	info := result.(Info)
	require.NotNil(t, info.ClientHello)
	require.Equal(t, uint16(VersionTLS12), info.ClientHello.Version)
	require.Equal(t, []uint16{0xC02F, 0x0035}, info.ClientHello.CipherSuites)
	require.NotEmpty(t, info.JA3)
	require.True(t, info.HandshakeState.ClientHelloSeen)
	require.True(t, info.IsValid)
}

func TestParserRejectsShortRecord(t *testing.T) {
	ctx := parser.NewParseContext(bslice.Borrowed([]byte{RecordHandshake, 3, 3}))
	p := &Parser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.BufferTooSmall, outcome)
}

func TestParserReportsNeedMoreDataForTruncatedFragment(t *testing.T) {
	ctx := parser.NewParseContext(bslice.Borrowed([]byte{RecordHandshake, 3, 3, 0, 10, 1, 2, 3}))
	p := &Parser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.NeedMoreData, outcome)
}

func TestCanParseRequiresKnownContentType(t *testing.T) {
	p := &Parser{}
	ctx := parser.NewParseContext(bslice.Borrowed([]byte{0x99, 0, 0, 0, 0}))
	require.False(t, p.CanParse(ctx))

	ctx2 := parser.NewParseContext(bslice.Borrowed([]byte{RecordApplicationData, 3, 3, 0, 0}))
	require.True(t, p.CanParse(ctx2))
}

func TestJA3IsDeterministic(t *testing.T) {
	ch := ClientHello{
		Version:         VersionTLS12,
		CipherSuites:    []uint16{0xC02F, 0x0035},
		Extensions:      []uint16{0, 10, 11},
		SupportedCurves: []uint16{23, 24},
		SupportedPoints: []uint8{0},
	}
	h1 := ComputeJA3(ch)
	h2 := ComputeJA3(ch)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 32)
}

func TestParserTracksHandshakeMilestonesAcrossRecords(t *testing.T) {
	state := &HandshakeState{}
	client := &Parser{IsClient: true, State: state}
	server := &Parser{IsClient: false, State: state}

	_, outcome := client.Parse(parser.NewParseContext(bslice.Borrowed(buildClientHelloRecord())))
	require.Equal(t, parser.Success, outcome)
	require.False(t, state.IsComplete())
	require.InDelta(t, 0.1, state.CompletionPercentage(), 1e-9)

	_, outcome = server.Parse(parser.NewParseContext(bslice.Borrowed(buildServerHelloRecord(0xC02F, VersionTLS12))))
	require.Equal(t, parser.Success, outcome)
	require.True(t, state.ServerHelloSeen)
	require.False(t, state.IsComplete())
}

func TestParserDecodesCertificateChain(t *testing.T) {
	certA := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	certB := []byte{0x01, 0x02, 0x03}
	pkt := buildCertificateRecord(certA, certB)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	info := result.(Info)
	require.Len(t, info.CertificateChain, 2)
	require.Equal(t, certA, info.CertificateChain[0].Raw)
	require.Equal(t, certB, info.CertificateChain[1].Raw)
	require.Len(t, info.CertificateFingerprints, 2)
	require.True(t, info.HandshakeState.CertificateSeen)
}

func TestCertificateFingerprintsAndRootFirstOrdering(t *testing.T) {
	certA := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	certB := []byte{0x01, 0x02, 0x03}
	chain := []Certificate{{Raw: certA}, {Raw: certB}}

	fps := CertificateFingerprints(chain)
	require.Len(t, fps, 2)
	require.Len(t, fps[0], 32)
	require.NotEqual(t, fps[0], fps[1])

	rootFirst := CertificateChainRootFirst(chain)
	require.Equal(t, []Certificate{{Raw: certB}, {Raw: certA}}, rootFirst)
}

func TestAnalyzeHandshakeFlagsWeakCipher(t *testing.T) {
	sh := &ServerHello{HandshakeVersion: VersionTLS12, CipherSuite: 0x0004}
	a := AnalyzeHandshake(nil, sh, false)
	require.True(t, a.UsesDeprecatedCipher)
	require.Less(t, a.SecurityScore, 100)
}

func TestAnalyzeHandshakeFlagsWeakProtocol(t *testing.T) {
	sh := &ServerHello{HandshakeVersion: VersionSSL30, CipherSuite: 0x1301}
	a := AnalyzeHandshake(nil, sh, false)
	require.True(t, a.UsesWeakProtocol)
	require.Contains(t, a.Vulnerabilities, "POODLE (SSLv3 in use)")
	require.Equal(t, 60, a.SecurityScore) // 100 - 40 weak protocol
}

func TestAnalyzeHandshakeStrongCipherGradesWell(t *testing.T) {
	sh := &ServerHello{HandshakeVersion: VersionTLS13, CipherSuite: 0x1302}
	a := AnalyzeHandshake(nil, sh, false)
	require.True(t, a.PerfectForwardSecrecy)
	require.Equal(t, 100, a.SecurityScore)
	require.Equal(t, "A+", a.SecurityGrade)
}

func TestAnalyzeHandshakeFlagsMissingForwardSecrecy(t *testing.T) {
	sh := &ServerHello{HandshakeVersion: VersionTLS12, CipherSuite: 0x002F} // RSA key exchange, no PFS
	a := AnalyzeHandshake(nil, sh, false)
	require.False(t, a.PerfectForwardSecrecy)
	require.Equal(t, 90, a.SecurityScore) // 100 - 10 missing PFS
}

func TestAnalyzeHandshakeFlagsCompressionCrime(t *testing.T) {
	ch := &ClientHello{Version: VersionTLS12, CompressionMethods: []uint8{0, 1}}
	a := AnalyzeHandshake(ch, nil, false)
	require.True(t, a.CrimeVulnerable)
	require.Equal(t, 85, a.SecurityScore) // 100 - 15 compression
}

func TestAnalyzeHandshakeFlagsHeartbleed(t *testing.T) {
	sh := &ServerHello{HandshakeVersion: VersionTLS12, CipherSuite: 0x1302}
	a := AnalyzeHandshake(nil, sh, true)
	require.True(t, a.HeartbleedVulnerable)
	require.Equal(t, 75, a.SecurityScore) // 100 - 25 heartbleed
}

func TestAnalyzeHandshakeNoHeartbleedOnTLS13(t *testing.T) {
	sh := &ServerHello{HandshakeVersion: VersionTLS13, CipherSuite: 0x1302}
	a := AnalyzeHandshake(nil, sh, true)
	require.False(t, a.HeartbleedVulnerable)
	require.Equal(t, 100, a.SecurityScore)
}

func TestGradeFromScoreBands(t *testing.T) {
	require.Equal(t, "A+", gradeFromScore(95))
	require.Equal(t, "A", gradeFromScore(80))
	require.Equal(t, "B", gradeFromScore(65))
	require.Equal(t, "C", gradeFromScore(50))
	require.Equal(t, "D", gradeFromScore(35))
	require.Equal(t, "F", gradeFromScore(34))
}
