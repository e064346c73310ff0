package snmp

import "sync"

// Statistics aggregates SNMP traffic counters behind one mutex, mirroring
// snmp_parser.hpp's SNMPStatistics (map-heavy, so a single lock covers
// every field touched per message, same reasoning as dnp3.Statistics).
type Statistics struct {
	mu sync.Mutex

	totalMessages  uint64
	v1Messages     uint64
	v2cMessages    uint64
	v3Messages     uint64
	getRequests    uint64
	getResponses   uint64
	setRequests    uint64
	traps          uint64
	bulkRequests   uint64
	malformed      uint64

	communityUsage map[string]uint64
	errorDistribution map[ErrorStatus]uint64
}

func NewStatistics() *Statistics {
	return &Statistics{
		communityUsage:    make(map[string]uint64),
		errorDistribution: make(map[ErrorStatus]uint64),
	}
}

// Record folds a decoded message into the running totals, per
// update_statistics.
func (s *Statistics) Record(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalMessages++
	switch msg.Version {
	case Version1:
		s.v1Messages++
	case Version2c:
		s.v2cMessages++
	case Version3:
		s.v3Messages++
	}

	switch msg.PDU.Type {
	case PDUGetRequest, PDUGetNextRequest:
		s.getRequests++
	case PDUGetResponse:
		s.getResponses++
	case PDUSetRequest:
		s.setRequests++
	case PDUTrap, PDUTrapV2:
		s.traps++
	case PDUGetBulkRequest:
		s.bulkRequests++
	}

	if !msg.IsV3() && msg.Community != "" {
		s.communityUsage[msg.Community]++
	}
	if msg.PDU.ErrorStatus != ErrNoError {
		s.errorDistribution[msg.PDU.ErrorStatus]++
	}
}

// RecordMalformed increments the malformed-message counter, for datagrams
// that failed BER decoding entirely.
func (s *Statistics) RecordMalformed() {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()
}

// StatisticsSnapshot is a copyable point-in-time view of Statistics.
type StatisticsSnapshot struct {
	TotalMessages  uint64
	V1Messages     uint64
	V2cMessages    uint64
	V3Messages     uint64
	GetRequests    uint64
	GetResponses   uint64
	SetRequests    uint64
	Traps          uint64
	BulkRequests   uint64
	Malformed      uint64

	CommunityUsage    map[string]uint64
	ErrorDistribution map[ErrorStatus]uint64
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	communities := make(map[string]uint64, len(s.communityUsage))
	for k, v := range s.communityUsage {
		communities[k] = v
	}
	errs := make(map[ErrorStatus]uint64, len(s.errorDistribution))
	for k, v := range s.errorDistribution {
		errs[k] = v
	}

	return StatisticsSnapshot{
		TotalMessages:     s.totalMessages,
		V1Messages:        s.v1Messages,
		V2cMessages:       s.v2cMessages,
		V3Messages:        s.v3Messages,
		GetRequests:       s.getRequests,
		GetResponses:      s.getResponses,
		SetRequests:       s.setRequests,
		Traps:             s.traps,
		BulkRequests:      s.bulkRequests,
		Malformed:         s.malformed,
		CommunityUsage:    communities,
		ErrorDistribution: errs,
	}
}
