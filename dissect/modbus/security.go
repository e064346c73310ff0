package modbus

import (
	"sync"
	"time"
)

// SecurityAnalysis is Modbus's counterpart to dnp3.SecurityAnalysis and
// ipsec.SecurityAnalysis: Modbus/TCP carries no authentication or
// encryption of its own, so every analysis starts from that baseline and
// scores down from there, per ModbusSecurityAnalysis and
// analyze_security.
type SecurityAnalysis struct {
	NoAuthentication bool
	NoEncryption     bool
	ScanDetected     bool
	Vulnerabilities  []string

	SecurityScore int
	RiskLevel     string
}

// riskLevelFromScore uses the same banding as dnp3.riskLevelFromScore.
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

// isCriticalAddress flags the holding-register ranges
// is_critical_address reserves for system configuration, safety
// parameters, and control commands.
func isCriticalAddress(address uint16) bool {
	return address < 100 ||
		(address >= 1000 && address < 1100) ||
		(address >= 9000 && address < 9100)
}

// analyzeSecurity scores one dissected message, per analyze_security and
// calculate_security_score: a 100-point baseline, minus 15 per
// vulnerability entry, minus 25 for a scan in progress, minus 20 each for
// the (always true) lack of authentication and encryption.
func analyzeSecurity(msg Message, scanDetected bool) SecurityAnalysis {
	a := SecurityAnalysis{
		NoAuthentication: true,
		NoEncryption:     true,
		ScanDetected:     scanDetected,
	}

	if !msg.PDU.IsException {
		if !isValidFunctionCode(msg.PDU.FunctionCode) {
			a.Vulnerabilities = append(a.Vulnerabilities, "invalid function code used")
		}
		if msg.PDU.Quantity > 100 {
			a.Vulnerabilities = append(a.Vulnerabilities, "large range data access detected")
		}
		if isWriteFunction(msg.PDU.FunctionCode) {
			a.Vulnerabilities = append(a.Vulnerabilities, "write operation detected")
			if isCriticalAddress(msg.PDU.StartAddress) {
				a.Vulnerabilities = append(a.Vulnerabilities, "write to critical address range")
			}
		}
	}

	score := 100
	score -= len(a.Vulnerabilities) * 15
	if a.ScanDetected {
		score -= 25
	}
	if a.NoAuthentication {
		score -= 20
	}
	if a.NoEncryption {
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	a.SecurityScore = score
	a.RiskLevel = riskLevelFromScore(score)
	return a
}

// scanRecord is one entry in SecurityMonitor's sliding window, per
// ModbusDeepAnalyzer::ScanAttempt.
type scanRecord struct {
	timestamp    time.Time
	unitID       uint8
	functionCode uint8
	startAddress uint16
}

// SecurityMonitor tracks a sliding window of recent requests across a
// sequence of Modbus messages to flag scanning behavior, per
// detect_scan_attempt. One mutex guards the window, same reasoning as
// dnp3.SecurityMonitor.
type SecurityMonitor struct {
	mu      sync.Mutex
	records []scanRecord

	// MaxRequestsInWindow is the fixed threshold detect_scan_attempt
	// applies to window size (100 there).
	MaxRequestsInWindow int
	// ScanWindow is the sliding window duration (5s in the original).
	ScanWindow time.Duration
}

func NewSecurityMonitor() *SecurityMonitor {
	return &SecurityMonitor{
		MaxRequestsInWindow: 100,
		ScanWindow:          5 * time.Second,
	}
}

// observe folds one request into the sliding window and reports whether
// it completes a scan pattern: the window has grown past
// MaxRequestsInWindow, or more than 10 consecutive +1 address steps (12 or
// more addresses in a row) have been seen for the same (unitID,
// functionCode) pair, per detect_scan_attempt.
func (m *SecurityMonitor) observe(unitID, functionCode uint8, startAddress uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-m.ScanWindow)
	kept := m.records[:0]
	for _, r := range m.records {
		if r.timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	kept = append(kept, scanRecord{timestamp: now, unitID: unitID, functionCode: functionCode, startAddress: startAddress})
	m.records = kept

	if len(m.records) > m.MaxRequestsInWindow {
		return true
	}

	consecutive := 0
	var lastAddress uint16
	first := true
	for _, r := range m.records {
		if r.unitID != unitID || r.functionCode != functionCode {
			continue
		}
		if !first && r.startAddress == lastAddress+1 {
			consecutive++
			if consecutive > 10 {
				return true
			}
		} else {
			consecutive = 0
		}
		lastAddress = r.startAddress
		first = false
	}
	return false
}
