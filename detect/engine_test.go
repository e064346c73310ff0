package detect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortDetectorRecognizesStandardPorts(t *testing.T) {
	d := NewPortDetector()
	results := d.DetectByPort(54321, 443)
	require.Len(t, results, 1)
	require.Equal(t, "HTTPS", results[0].ProtocolName)
	require.Equal(t, VeryHigh, results[0].Confidence)
}

func TestSignatureScoresHTTPGetRequest(t *testing.T) {
	sig := builtinSignatures()[0]
	require.Equal(t, "HTTP", sig.ProtocolName)
	score := sig.CalculateMatchScore([]byte("GET /index.html HTTP/1.1\r\n"))
	require.InDelta(t, 0.4, score, 0.01) // 1 of 2 patterns matched, weight 1 each, base 0.8
}

func TestHeuristicDetectorFlagsHighEntropyAsEncrypted(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i) // uniform distribution -> maximal entropy
	}
	hd := HeuristicDetector{}
	features := hd.ExtractFeatures(data)
	require.Greater(t, features.Entropy, 7.0)

	results := hd.DetectByHeuristics(features)
	require.NotEmpty(t, results)
	require.Equal(t, "ENCRYPTED_OR_COMPRESSED", results[0].ProtocolName)
}

func TestHeuristicDetectorFlagsLowEntropyTextAsTextBased(t *testing.T) {
	data := []byte(strings.Repeat("ab", 500)) // 2-symbol alphabet: entropy == 1 bit, fully printable
	hd := HeuristicDetector{}
	features := hd.ExtractFeatures(data)
	results := hd.DetectByHeuristics(features)
	require.NotEmpty(t, results)
	require.Equal(t, "TEXT_BASED", results[0].ProtocolName)
}

func TestDeepInspectorMatchesHTTPRegex(t *testing.T) {
	d := NewDeepInspector()
	results := d.InspectDeep([]byte("GET / HTTP/1.1\r\n"))
	require.NotEmpty(t, results)
	require.Equal(t, "HTTP", results[0].ProtocolName)
}

func TestDeepInspectorFlowAnalysisAccumulatesAcrossPackets(t *testing.T) {
	d := NewDeepInspector()
	d.AddRule(ProtocolRule{
		ProtocolName:    "ALWAYS",
		CustomValidator: func([]byte) bool { return true },
		MinPacketCount:  2,
		ConfidenceBoost: 0.1,
	})

	d.UpdateFlowState("flow-1", []byte("a"))
	require.Empty(t, d.AnalyzeFlow("flow-1")) // one packet so far, below ALWAYS's MinPacketCount of 2

	d.UpdateFlowState("flow-1", []byte("b"))
	results := d.AnalyzeFlow("flow-1")
	found := false
	for _, r := range results {
		if r.ProtocolName == "ALWAYS" {
			found = true
		}
	}
	require.True(t, found)
}

func TestEngineDetectCombinesSignatureAndReturnsBestMatch(t *testing.T) {
	e := NewEngine()
	result := e.Detect([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.Equal(t, "HTTP", result.ProtocolName)
	require.True(t, result.ConfidenceScore > 0)
}

func TestEngineDetectWithPortsAddsPortEvidence(t *testing.T) {
	e := NewEngine()
	result := e.DetectWithPorts([]byte("GET / HTTP/1.1\r\n"), 12345, 80)
	require.Equal(t, "HTTP", result.ProtocolName)
	require.Greater(t, result.ConfidenceScore, 0.8) // port + signature + deep inspection all agree
}

func TestEngineDetectWithTraceRecordsSteps(t *testing.T) {
	e := NewEngine()
	_, trace := e.DetectWithTrace([]byte("GET / HTTP/1.1\r\n"))
	require.Contains(t, trace.Steps, "signature-based")
	require.Contains(t, trace.Steps, "heuristic")
	require.Contains(t, trace.Steps, "deep-inspection")
	require.NotEmpty(t, trace.ScorerResults)
}

func TestEngineSuggestProtocolsIncludesNonWinningCandidates(t *testing.T) {
	e := NewEngine()
	suggestions := e.SuggestProtocols([]byte("GET / HTTP/1.1\r\n"))
	require.Contains(t, suggestions, "HTTP")
}

func TestEngineStatisticsTrackSuccessfulDetections(t *testing.T) {
	e := NewEngine()
	e.Detect([]byte("GET / HTTP/1.1\r\n"))
	snap := e.Statistics()
	require.EqualValues(t, 1, snap.TotalDetections)
	require.EqualValues(t, 1, snap.SuccessfulDetections)
	require.EqualValues(t, 1, snap.ProtocolDetectionCount["HTTP"])
}

func TestEngineSupportedProtocolsListsRegisteredSignatures(t *testing.T) {
	e := NewEngine()
	protocols := e.SupportedProtocols()
	require.Contains(t, protocols, "HTTP")
	require.Contains(t, protocols, "DHCP")
	require.Contains(t, protocols, "SNMP")
}
