package detect

import (
	"sort"
	"sync"
	"time"
)

// Config tunes which detectors an Engine runs and how their results are
// combined, per protocol_detection.hpp's DetectionConfig.
type Config struct {
	UsePortBased          bool
	UseSignatureBased      bool
	UseHeuristicBased      bool
	UseDeepInspection      bool
	EnableFlowAnalysis     bool
	MinConfidenceThreshold float64
}

// DefaultConfig mirrors DetectionConfig's default member initializers:
// every detector on, flow analysis off, a 0.3 confidence floor.
func DefaultConfig() Config {
	return Config{
		UsePortBased:           true,
		UseSignatureBased:      true,
		UseHeuristicBased:      true,
		UseDeepInspection:      true,
		EnableFlowAnalysis:     false,
		MinConfidenceThreshold: 0.3,
	}
}

// Stats counts detector invocations and outcomes, per
// ProtocolDetectionEngine::DetectionStatistics.
type Stats struct {
	TotalDetections         uint64
	SuccessfulDetections    uint64
	PortBasedDetections     uint64
	SignatureBasedDetections uint64
	HeuristicDetections     uint64
	DeepInspectionDetections uint64
	ProtocolDetectionCount  map[string]uint64
	TotalDetectionTime      time.Duration
	AvgDetectionTime        time.Duration
}

// Trace records each detector step an Engine ran for one buffer and
// their individual scores, per protocol_detection.hpp's DetectionTrace
// (carried forward per SPEC_FULL.md's "Protocol-detection trace /
// suggestion API" supplemented feature).
type Trace struct {
	Steps              []string
	ScorerResults      []ScorerResult
	FinalDecisionReason string
	Duration           time.Duration
}

// ScorerResult pairs a protocol name with the score one detector
// produced for it, per DetectionTrace::scorer_results.
type ScorerResult struct {
	ProtocolName string
	Score        float64
}

// Engine is the main protocol detection engine, per
// protocol_detection.hpp's ProtocolDetectionEngine.
type Engine struct {
	port      *PortDetector
	heuristic HeuristicDetector
	deep      *DeepInspector

	sigMu      sync.RWMutex
	signatures map[string]ProtocolSignature

	configMu sync.Mutex
	config   Config

	statsMu sync.Mutex
	stats   Stats
}

// NewEngine creates an Engine with the built-in port table and
// signature set loaded, per ProtocolDetectionEngine's constructor.
func NewEngine() *Engine {
	e := &Engine{
		port:       NewPortDetector(),
		deep:       NewDeepInspector(),
		signatures: make(map[string]ProtocolSignature),
		config:     DefaultConfig(),
		stats:      Stats{ProtocolDetectionCount: make(map[string]uint64)},
	}
	for _, sig := range builtinSignatures() {
		e.AddSignature(sig)
	}
	return e
}

// AddSignature registers or replaces a signature, per add_signature.
func (e *Engine) AddSignature(sig ProtocolSignature) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	e.signatures[sig.ProtocolName] = sig
}

// RemoveSignature deletes a named signature, per remove_signature.
func (e *Engine) RemoveSignature(protocolName string) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	delete(e.signatures, protocolName)
}

// Configure replaces the engine's detection strategy configuration, per
// configure.
func (e *Engine) Configure(cfg Config) {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	e.config = cfg
}

// Configuration returns the engine's current configuration, per
// get_configuration.
func (e *Engine) Configuration() Config {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	return e.config
}

// Statistics returns a coherent snapshot of the engine's counters, per
// get_statistics.
func (e *Engine) Statistics() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	counts := make(map[string]uint64, len(e.stats.ProtocolDetectionCount))
	for k, v := range e.stats.ProtocolDetectionCount {
		counts[k] = v
	}
	snap := e.stats
	snap.ProtocolDetectionCount = counts
	return snap
}

// ResetStatistics zeroes the engine's counters, per reset_statistics.
func (e *Engine) ResetStatistics() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = Stats{ProtocolDetectionCount: make(map[string]uint64)}
}

// SupportedProtocols lists every protocol with a registered signature,
// per get_supported_protocols.
func (e *Engine) SupportedProtocols() []string {
	e.sigMu.RLock()
	defer e.sigMu.RUnlock()
	names := make([]string, 0, len(e.signatures))
	for name := range e.signatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect runs content-based detection (signature + heuristic + deep) on
// data, per detect_protocol.
func (e *Engine) Detect(data []byte) ProtocolFingerprint {
	result, _ := e.detect(data, nil)
	return result
}

// DetectWithPorts runs port-based detection alongside content-based
// detection, per detect_protocol_with_ports.
func (e *Engine) DetectWithPorts(data []byte, srcPort, dstPort uint16) ProtocolFingerprint {
	result, _ := e.detect(data, &portHint{src: srcPort, dst: dstPort})
	return result
}

// DetectMultiple runs Detect over each buffer independently, per
// detect_multiple.
func (e *Engine) DetectMultiple(buffers [][]byte) []ProtocolFingerprint {
	results := make([]ProtocolFingerprint, len(buffers))
	for i, b := range buffers {
		results[i] = e.Detect(b)
	}
	return results
}

// DetectFlowProtocol feeds every packet in packets into the deep
// inspector's flow tracker (when flow analysis is enabled) and returns
// the combined result across port, content, and flow-level evidence, per
// detect_flow_protocol.
func (e *Engine) DetectFlowProtocol(flowID string, packets [][]byte, srcPort, dstPort uint16) ProtocolFingerprint {
	cfg := e.Configuration()
	var all []ProtocolFingerprint

	if cfg.UsePortBased {
		all = append(all, e.port.DetectByPort(srcPort, dstPort)...)
	}
	for _, pkt := range packets {
		content, _ := e.detect(pkt, nil)
		if content.ProtocolName != "" {
			all = append(all, content)
		}
		if cfg.EnableFlowAnalysis {
			e.deep.UpdateFlowState(flowID, pkt)
		}
	}
	if cfg.EnableFlowAnalysis {
		all = append(all, e.deep.AnalyzeFlow(flowID)...)
	}

	result := e.combineResults(all)
	result.BytesAnalyzed = sumLens(packets)
	return result
}

type portHint struct{ src, dst uint16 }

func sumLens(buffers [][]byte) int {
	n := 0
	for _, b := range buffers {
		n += len(b)
	}
	return n
}

func (e *Engine) detect(data []byte, ports *portHint) (ProtocolFingerprint, Trace) {
	start := time.Now()
	cfg := e.Configuration()

	var all []ProtocolFingerprint
	trace := Trace{}

	if ports != nil && cfg.UsePortBased {
		portResults := e.port.DetectByPort(ports.src, ports.dst)
		all = append(all, portResults...)
		trace.Steps = append(trace.Steps, "port-based")
		for _, r := range portResults {
			trace.ScorerResults = append(trace.ScorerResults, ScorerResult{r.ProtocolName, r.ConfidenceScore})
		}
	}

	if cfg.UseSignatureBased {
		trace.Steps = append(trace.Steps, "signature-based")
		e.sigMu.RLock()
		for name, sig := range e.signatures {
			score := sig.CalculateMatchScore(data)
			trace.ScorerResults = append(trace.ScorerResults, ScorerResult{name, score})
			if score > cfg.MinConfidenceThreshold {
				all = append(all, ProtocolFingerprint{
					ProtocolName:    name,
					ConfidenceScore: score,
					Confidence:      ScoreToConfidenceLevel(score),
					DetectionMethod: "Signature-based",
					Evidence:        []string{"Signature pattern match"},
					BytesAnalyzed:   len(data),
				})
			}
		}
		e.sigMu.RUnlock()
	}

	if cfg.UseHeuristicBased {
		trace.Steps = append(trace.Steps, "heuristic")
		features := e.heuristic.ExtractFeatures(data)
		heuristicResults := e.heuristic.DetectByHeuristics(features)
		all = append(all, heuristicResults...)
		for _, r := range heuristicResults {
			trace.ScorerResults = append(trace.ScorerResults, ScorerResult{r.ProtocolName, r.ConfidenceScore})
		}
	}

	if cfg.UseDeepInspection {
		trace.Steps = append(trace.Steps, "deep-inspection")
		deepResults := e.deep.InspectDeep(data)
		all = append(all, deepResults...)
		for _, r := range deepResults {
			trace.ScorerResults = append(trace.ScorerResults, ScorerResult{r.ProtocolName, r.ConfidenceScore})
		}
	}

	final := e.combineResults(all)
	final.BytesAnalyzed = len(data)
	trace.Duration = time.Since(start)
	if final.ProtocolName != "" {
		trace.FinalDecisionReason = "highest combined score: " + final.ProtocolName
	} else {
		trace.FinalDecisionReason = "no detector scored above threshold"
	}

	e.updateStatistics(final, trace.Duration)
	return final, trace
}

// DetectWithTrace returns both the winning fingerprint and the ordered
// trace of detector steps behind it, per detect_with_trace (restored per
// SPEC_FULL.md's supplemented-features list).
func (e *Engine) DetectWithTrace(data []byte) (ProtocolFingerprint, Trace) {
	return e.detect(data, nil)
}

// SuggestProtocols returns every protocol name that scored above a low
// exploratory floor (0.2, the Low/VeryLow boundary) even if it did not
// win the combined result, per suggest_protocols (restored per
// SPEC_FULL.md's supplemented-features list).
func (e *Engine) SuggestProtocols(data []byte) []string {
	const floor = 0.2
	cfg := e.Configuration()
	seen := make(map[string]bool)
	var names []string

	add := func(name string, score float64) {
		if score >= floor && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	if cfg.UseSignatureBased {
		e.sigMu.RLock()
		for name, sig := range e.signatures {
			add(name, sig.CalculateMatchScore(data))
		}
		e.sigMu.RUnlock()
	}
	if cfg.UseHeuristicBased {
		features := e.heuristic.ExtractFeatures(data)
		for _, r := range e.heuristic.DetectByHeuristics(features) {
			add(r.ProtocolName, r.ConfidenceScore)
		}
	}
	if cfg.UseDeepInspection {
		for _, r := range e.deep.InspectDeep(data) {
			add(r.ProtocolName, r.ConfidenceScore)
		}
	}

	sort.Strings(names)
	return names
}

// combineResults merges same-protocol fingerprints (boosting score
// additively, capped at 1.0, concatenating evidence) and returns the
// highest-scoring survivor, per combine_results.
func (e *Engine) combineResults(results []ProtocolFingerprint) ProtocolFingerprint {
	if len(results) == 0 {
		return ProtocolFingerprint{}
	}
	if len(results) == 1 {
		return results[0]
	}

	sorted := append([]ProtocolFingerprint(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ConfidenceScore > sorted[j].ConfidenceScore
	})

	best := sorted[0]
	for _, r := range sorted[1:] {
		if r.ProtocolName == best.ProtocolName {
			best.ConfidenceScore += 0.1
			if best.ConfidenceScore > 1.0 {
				best.ConfidenceScore = 1.0
			}
			best.Evidence = append(best.Evidence, r.Evidence...)
		}
	}
	best.Evidence = dedupEvidence(best.Evidence)
	best.Confidence = ScoreToConfidenceLevel(best.ConfidenceScore)
	return best
}

func (e *Engine) updateStatistics(result ProtocolFingerprint, elapsed time.Duration) {
	cfg := e.Configuration()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.TotalDetections++
	if result.ProtocolName != "" && result.ConfidenceScore > cfg.MinConfidenceThreshold {
		e.stats.SuccessfulDetections++
		e.stats.ProtocolDetectionCount[result.ProtocolName]++

		switch result.DetectionMethod {
		case "Port-based":
			e.stats.PortBasedDetections++
		case "Signature-based":
			e.stats.SignatureBasedDetections++
		case "Deep-inspection", "Deep-inspection-flow":
			e.stats.DeepInspectionDetections++
		default:
			if len(result.DetectionMethod) >= 9 && result.DetectionMethod[:9] == "Heuristic" {
				e.stats.HeuristicDetections++
			}
		}
	}

	e.stats.TotalDetectionTime += elapsed
	if e.stats.TotalDetections > 0 {
		e.stats.AvgDetectionTime = e.stats.TotalDetectionTime / time.Duration(e.stats.TotalDetections)
	}
}
