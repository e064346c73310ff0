package dnp3

import (
	"sync"
	"time"
)

// SecurityAnalysis mirrors dnp3_deep_analyzer.hpp's DNP3SecurityAnalysis: a
// per-message classification of protocol-level risk, since DNP3 itself
// carries no authentication (per spec.md §1 Non-goals, this module does not
// attempt Secure Authentication v5 verification).
type SecurityAnalysis struct {
	BroadcastDetected       bool
	TimeSyncDetected        bool
	ConfigurationChange     bool
	CriticalFunctionExecuted bool
	ReplayAttackPossible    bool

	SecurityIssues   []string
	OperationalRisks []string
	SecurityScore    int // 0-100
	RiskLevel        string
}

func isCriticalFunction(fc uint8) bool {
	switch fc {
	case AppFuncColdRestart, AppFuncWarmRestart, AppFuncOperate, AppFuncDirectOperate, AppFuncWrite:
		return true
	default:
		return false
	}
}

func isConfigurationFunction(fc uint8) bool {
	switch fc {
	case AppFuncSaveConfiguration, 0x0F, 0x10, 0x16:
		return true
	default:
		return false
	}
}

// analyzeSecurity scores a parsed Message for known DNP3 protocol-level
// risks, per analyze_security / calculate_security_score /
// determine_risk_level.
func analyzeSecurity(msg Message, replayPossible bool) SecurityAnalysis {
	var a SecurityAnalysis
	score := 100

	a.BroadcastDetected = msg.DataLink.Destination == 0xFFFF
	if msg.Application.FunctionCode == AppFuncImmediateFreeze {
		a.TimeSyncDetected = true
	}
	if isConfigurationFunction(msg.Application.FunctionCode) {
		a.ConfigurationChange = true
		a.OperationalRisks = append(a.OperationalRisks, "Configuration change detected")
	}
	if isCriticalFunction(msg.Application.FunctionCode) {
		a.CriticalFunctionExecuted = true
		a.OperationalRisks = append(a.OperationalRisks, "Critical function executed")
	}

	if a.BroadcastDetected && msg.Application.FunctionCode != AppFuncRecordCurrentTime {
		a.SecurityIssues = append(a.SecurityIssues, "Broadcast abuse detected")
	}
	if replayPossible {
		a.ReplayAttackPossible = true
		a.SecurityIssues = append(a.SecurityIssues, "Potential replay attack")
	}

	score -= len(a.SecurityIssues) * 15
	score -= len(a.OperationalRisks) * 10
	if a.BroadcastDetected {
		score -= 5
	}
	if a.CriticalFunctionExecuted {
		score -= 20
	}
	if a.ReplayAttackPossible {
		score -= 25
	}
	if score < 0 {
		score = 0
	}
	a.SecurityScore = score
	a.RiskLevel = riskLevelFromScore(score)
	return a
}

func riskLevelFromScore(score int) string {
	switch {
	case score >= 80:
		return "LOW"
	case score >= 60:
		return "MEDIUM"
	case score >= 40:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}

// anomalyScore mirrors calculate_packet_anomaly_score: a 0.0-1.0 composite
// of size, function-code, address and CRC anomalies.
func anomalyScore(msg Message) float64 {
	score := 0.0
	if msg.DataLink.Length > 250 {
		score += 0.3
	}
	if msg.Application.FunctionCode > 0x82 && msg.Application.FunctionCode != AppFuncAuthenticateResp {
		score += 0.4
	}
	if msg.DataLink.Source == 0 || msg.DataLink.Destination == 0 {
		score += 0.2
	}
	if !msg.CRCValid {
		score += 0.5
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// SecurityMonitor carries the small amount of cross-message state needed to
// detect replay and scan patterns (detect_replay_attack /
// detect_scan_attempt), guarded by a single mutex since all of its state is
// read-and-updated together on every Observe call.
type SecurityMonitor struct {
	mu sync.Mutex

	lastSequenceSeen map[uint32]time.Time
	sourceDestinations map[uint16]map[uint16]struct{}

	AnomalyThreshold float64
}

func NewSecurityMonitor() *SecurityMonitor {
	return &SecurityMonitor{
		lastSequenceSeen:   make(map[uint32]time.Time),
		sourceDestinations: make(map[uint16]map[uint16]struct{}),
		AnomalyThreshold:   0.8,
	}
}

// Observe folds msg into replay/scan detection state and runs the security
// and anomaly analyses, returning the security analysis, the anomaly detail
// strings (produced only when the anomaly score exceeds AnomalyThreshold),
// and the anomaly score.
func (m *SecurityMonitor) Observe(msg Message) (SecurityAnalysis, []string, float64) {
	seqKey := uint32(msg.DataLink.Source)<<16 | uint32(msg.Application.Sequence)

	m.mu.Lock()
	now := time.Now()
	replayPossible := false
	if last, ok := m.lastSequenceSeen[seqKey]; ok && now.Sub(last) < time.Minute {
		replayPossible = true
	}
	m.lastSequenceSeen[seqKey] = now

	dests, ok := m.sourceDestinations[msg.DataLink.Source]
	if !ok {
		dests = make(map[uint16]struct{})
		m.sourceDestinations[msg.DataLink.Source] = dests
	}
	dests[msg.DataLink.Destination] = struct{}{}
	scanSuspected := len(dests) > 10
	m.mu.Unlock()

	analysis := analyzeSecurity(msg, replayPossible)
	if scanSuspected {
		analysis.SecurityIssues = append(analysis.SecurityIssues, "Scan pattern detected across destinations")
	}

	score := anomalyScore(msg)
	var anomalies []string
	if score > m.AnomalyThreshold {
		if msg.DataLink.Length > 250 {
			anomalies = append(anomalies, "Unusually large packet size")
		}
		if msg.DataLink.Source == 0 || msg.DataLink.Destination == 0 {
			anomalies = append(anomalies, "Invalid address detected")
		}
		if msg.Application.FunctionCode > 0x82 && msg.Application.FunctionCode != AppFuncAuthenticateResp {
			anomalies = append(anomalies, "Unknown function code")
		}
		if msg.Transport.Sequence > 63 {
			anomalies = append(anomalies, "Transport sequence out of range")
		}
	}

	return analysis, anomalies, score
}
