package http

import "sync"

// Statistics aggregates HTTP message counters behind one mutex.
type Statistics struct {
	mu sync.Mutex

	totalMessages uint64
	requests      uint64
	responses     uint64
	chunkedBodies uint64
	malformed     uint64

	methodCounts     map[string]uint64
	statusClassCount map[int]uint64 // 2xx/3xx/4xx/5xx bucketed by hundreds digit
}

func NewStatistics() *Statistics {
	return &Statistics{
		methodCounts:     make(map[string]uint64),
		statusClassCount: make(map[int]uint64),
	}
}

func (s *Statistics) Record(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalMessages++
	if msg.IsRequest {
		s.requests++
		s.methodCounts[msg.Method]++
	} else {
		s.responses++
		s.statusClassCount[msg.StatusCode/100]++
	}
	if msg.Chunked {
		s.chunkedBodies++
	}
}

func (s *Statistics) RecordMalformed() {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()
}

// StatisticsSnapshot is a copyable point-in-time view of Statistics.
type StatisticsSnapshot struct {
	TotalMessages uint64
	Requests      uint64
	Responses     uint64
	ChunkedBodies uint64
	Malformed     uint64

	MethodCounts     map[string]uint64
	StatusClassCount map[int]uint64
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	methods := make(map[string]uint64, len(s.methodCounts))
	for k, v := range s.methodCounts {
		methods[k] = v
	}
	classes := make(map[int]uint64, len(s.statusClassCount))
	for k, v := range s.statusClassCount {
		classes[k] = v
	}

	return StatisticsSnapshot{
		TotalMessages:    s.totalMessages,
		Requests:         s.requests,
		Responses:        s.responses,
		ChunkedBodies:    s.chunkedBodies,
		Malformed:        s.malformed,
		MethodCounts:     methods,
		StatusClassCount: classes,
	}
}
