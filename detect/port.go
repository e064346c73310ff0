package detect

import (
	"strconv"
	"sync"
)

// portMapping is one (protocol, confidence) pair registered for a port,
// per PortBasedDetector::port_to_protocols_'s value type.
type portMapping struct {
	protocol   string
	confidence float64
}

// PortDetector maps well-known ports to candidate protocols, per
// protocol_detection.hpp's PortBasedDetector.
type PortDetector struct {
	mu     sync.RWMutex
	byPort map[uint16][]portMapping
}

// NewPortDetector creates a PortDetector pre-populated with
// initialize_standard_ports's table.
func NewPortDetector() *PortDetector {
	d := &PortDetector{byPort: make(map[uint16][]portMapping)}
	d.initializeStandardPorts()
	return d
}

// initializeStandardPorts mirrors protocol_detection.cpp's
// initialize_standard_ports verbatim.
func (d *PortDetector) initializeStandardPorts() {
	d.AddPortMapping(80, "HTTP", 0.9)
	d.AddPortMapping(443, "HTTPS", 0.9)
	d.AddPortMapping(8080, "HTTP", 0.7)
	d.AddPortMapping(8443, "HTTPS", 0.7)

	d.AddPortMapping(25, "SMTP", 0.9)
	d.AddPortMapping(110, "POP3", 0.9)
	d.AddPortMapping(143, "IMAP", 0.9)
	d.AddPortMapping(993, "IMAPS", 0.9)
	d.AddPortMapping(995, "POP3S", 0.9)

	d.AddPortMapping(161, "SNMP", 0.9)
	d.AddPortMapping(162, "SNMP-TRAP", 0.9)

	d.AddPortMapping(67, "DHCP", 0.9)
	d.AddPortMapping(68, "DHCP", 0.9)

	d.AddPortMapping(21, "FTP", 0.9)
	d.AddPortMapping(22, "SSH", 0.9)
	d.AddPortMapping(23, "TELNET", 0.9)
	d.AddPortMapping(53, "DNS", 0.9)
	d.AddPortMapping(69, "TFTP", 0.8)

	// Ports this repo's own dissectors cover but protocol_detection.cpp's
	// table predates: Modbus, DNP3, gRPC, IPsec/IKE.
	d.AddPortMapping(502, "Modbus", 0.9)
	d.AddPortMapping(20000, "DNP3", 0.9)
	d.AddPortMapping(500, "IKE", 0.9)
	d.AddPortMapping(4500, "IKE", 0.8)
}

// AddPortMapping registers protocol as a candidate for port at the given
// confidence, per add_port_mapping.
func (d *PortDetector) AddPortMapping(port uint16, protocol string, confidence float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byPort[port] = append(d.byPort[port], portMapping{protocol: protocol, confidence: confidence})
}

// RemovePortMapping drops protocol from port's candidate list, per
// remove_port_mapping.
func (d *PortDetector) RemovePortMapping(port uint16, protocol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mappings := d.byPort[port]
	kept := mappings[:0]
	for _, m := range mappings {
		if m.protocol != protocol {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(d.byPort, port)
	} else {
		d.byPort[port] = kept
	}
}

// DetectByPort returns a fingerprint for every candidate registered
// against src or dst port, per detect_by_port.
func (d *PortDetector) DetectByPort(srcPort, dstPort uint16) []ProtocolFingerprint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []ProtocolFingerprint
	check := func(port uint16) {
		for _, m := range d.byPort[port] {
			results = append(results, ProtocolFingerprint{
				ProtocolName:    m.protocol,
				ConfidenceScore: m.confidence,
				Confidence:      ScoreToConfidenceLevel(m.confidence),
				DetectedPort:    port,
				DetectionMethod: "Port-based",
				Evidence:        []string{portEvidence(port)},
			})
		}
	}
	check(srcPort)
	check(dstPort)
	return results
}

func portEvidence(port uint16) string {
	return "Standard port " + strconv.Itoa(int(port))
}
