package ipsec

import "sync"

// Statistics aggregates IPsec traffic counters behind one mutex, mirroring
// IPSecStatistics's map-heavy shape (same reasoning as dnp3.Statistics and
// snmp.Statistics: several map counters update together per packet).
type Statistics struct {
	mu sync.Mutex

	totalPackets  uint64
	espPackets    uint64
	ahPackets     uint64
	ikePackets    uint64
	malformed     uint64

	replayAttacks    uint64
	downgradeAttacks uint64
	dosAttempts      uint64

	spiUsage             map[uint32]uint64
	encryptionAlgoUsage  map[string]uint64
	authenticationAlgoUsage map[string]uint64

	totalEncryptedBytes uint64
}

func NewStatistics() *Statistics {
	return &Statistics{
		spiUsage:                make(map[uint32]uint64),
		encryptionAlgoUsage:     make(map[string]uint64),
		authenticationAlgoUsage: make(map[string]uint64),
	}
}

// RecordESP folds one ESP datagram into the running totals, per
// update_statistics.
func (s *Statistics) RecordESP(msg ESPMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalPackets++
	s.espPackets++
	s.spiUsage[msg.Header.SPI]++
	s.totalEncryptedBytes += uint64(len(msg.EncryptedPayload))
}

// RecordAH folds one AH datagram into the running totals.
func (s *Statistics) RecordAH(hdr AHHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalPackets++
	s.ahPackets++
	s.spiUsage[hdr.SPI]++
}

// RecordIKE folds one IKE message into the running totals.
func (s *Statistics) RecordIKE(msg IKEMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalPackets++
	s.ikePackets++
}

// RecordAnalysis folds a SecurityAnalysis's algorithm choices and detected
// attacks into the running totals; callers invoke this alongside RecordESP
// / RecordAH once a SecurityMonitor has produced an analysis.
func (s *Statistics) RecordAnalysis(a SecurityAnalysis) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.EncryptionAlgorithm != "" {
		s.encryptionAlgoUsage[a.EncryptionAlgorithm]++
	}
	if a.AuthenticationAlgorithm != "" {
		s.authenticationAlgoUsage[a.AuthenticationAlgorithm]++
	}
	if a.ReplayAttackDetected {
		s.replayAttacks++
	}
	if a.DowngradeAttackDetected {
		s.downgradeAttacks++
	}
	if a.DoSAttackDetected {
		s.dosAttempts++
	}
}

func (s *Statistics) RecordMalformed() {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()
}

// StatisticsSnapshot is a copyable point-in-time view of Statistics.
type StatisticsSnapshot struct {
	TotalPackets uint64
	ESPPackets   uint64
	AHPackets    uint64
	IKEPackets   uint64
	Malformed    uint64

	ReplayAttacks    uint64
	DowngradeAttacks uint64
	DoSAttempts      uint64

	SPIUsage                map[uint32]uint64
	EncryptionAlgoUsage     map[string]uint64
	AuthenticationAlgoUsage map[string]uint64

	TotalEncryptedBytes uint64
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	spi := make(map[uint32]uint64, len(s.spiUsage))
	for k, v := range s.spiUsage {
		spi[k] = v
	}
	enc := make(map[string]uint64, len(s.encryptionAlgoUsage))
	for k, v := range s.encryptionAlgoUsage {
		enc[k] = v
	}
	auth := make(map[string]uint64, len(s.authenticationAlgoUsage))
	for k, v := range s.authenticationAlgoUsage {
		auth[k] = v
	}

	return StatisticsSnapshot{
		TotalPackets:            s.totalPackets,
		ESPPackets:              s.espPackets,
		AHPackets:               s.ahPackets,
		IKEPackets:              s.ikePackets,
		Malformed:               s.malformed,
		ReplayAttacks:           s.replayAttacks,
		DowngradeAttacks:        s.downgradeAttacks,
		DoSAttempts:             s.dosAttempts,
		SPIUsage:                spi,
		EncryptionAlgoUsage:     enc,
		AuthenticationAlgoUsage: auth,
		TotalEncryptedBytes:     s.totalEncryptedBytes,
	}
}
