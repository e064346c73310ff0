package dhcp

import "sync"

// Statistics aggregates DHCP message-type and option-usage counters behind
// one mutex, mirroring DHCPStatistics's map-heavy shape (same reasoning as
// dnp3.Statistics and snmp.Statistics).
type Statistics struct {
	mu sync.Mutex

	totalMessages uint64
	discoverCount uint64
	offerCount    uint64
	requestCount  uint64
	ackCount      uint64
	nakCount      uint64
	releaseCount  uint64
	informCount   uint64
	malformedCount uint64

	optionUsage map[uint8]uint64
}

func NewStatistics() *Statistics {
	return &Statistics{optionUsage: make(map[uint8]uint64)}
}

// Record folds a decoded message into the running totals, per
// update_statistics.
func (s *Statistics) Record(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalMessages++
	if opcode, ok := msg.MessageType(); ok {
		switch opcode {
		case OpcodeDiscover:
			s.discoverCount++
		case OpcodeOffer:
			s.offerCount++
		case OpcodeRequest:
			s.requestCount++
		case OpcodeAck:
			s.ackCount++
		case OpcodeNak:
			s.nakCount++
		case OpcodeRelease:
			s.releaseCount++
		case OpcodeInform:
			s.informCount++
		}
	}
	for _, opt := range msg.Options {
		s.optionUsage[opt.Type]++
	}
}

func (s *Statistics) RecordMalformed() {
	s.mu.Lock()
	s.malformedCount++
	s.mu.Unlock()
}

// StatisticsSnapshot is a copyable point-in-time view of Statistics.
type StatisticsSnapshot struct {
	TotalMessages  uint64
	DiscoverCount  uint64
	OfferCount     uint64
	RequestCount   uint64
	AckCount       uint64
	NakCount       uint64
	ReleaseCount   uint64
	InformCount    uint64
	MalformedCount uint64
	OptionUsage    map[uint8]uint64
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := make(map[uint8]uint64, len(s.optionUsage))
	for k, v := range s.optionUsage {
		usage[k] = v
	}

	return StatisticsSnapshot{
		TotalMessages:  s.totalMessages,
		DiscoverCount:  s.discoverCount,
		OfferCount:     s.offerCount,
		RequestCount:   s.requestCount,
		AckCount:       s.ackCount,
		NakCount:       s.nakCount,
		ReleaseCount:   s.releaseCount,
		InformCount:    s.informCount,
		MalformedCount: s.malformedCount,
		OptionUsage:    usage,
	}
}
