package grpc

import "sync"

// Statistics aggregates gRPC call counters behind one mutex, mirroring
// the subset of GRPCMetrics that collect_metrics actually populates:
// total calls, per-method counts, and request/response byte totals.
type Statistics struct {
	mu sync.Mutex

	totalFrames  uint64
	headersFrames uint64
	dataFrames   uint64
	totalCalls   uint64
	malformed    uint64

	requestBytes  uint64
	responseBytes uint64

	methodCounts map[string]uint64
}

func NewStatistics() *Statistics {
	return &Statistics{methodCounts: make(map[string]uint64)}
}

// Record folds one dissected frame into the running totals, per
// collect_metrics.
func (s *Statistics) Record(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalFrames++
	switch msg.Frame.Type {
	case FrameHeaders:
		s.headersFrames++
	case FrameData:
		s.dataFrames++
	}

	if !msg.IsValid {
		return
	}
	s.totalCalls++
	if msg.Call.Method != "" {
		s.methodCounts[msg.Call.Method]++
	}
	if msg.Frame.Type == FrameData {
		if msg.IsRequest {
			s.requestBytes += uint64(len(msg.Payload))
		} else {
			s.responseBytes += uint64(len(msg.Payload))
		}
	}
}

func (s *Statistics) RecordMalformed() {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()
}

// StatisticsSnapshot is a copyable point-in-time view of Statistics.
type StatisticsSnapshot struct {
	TotalFrames   uint64
	HeadersFrames uint64
	DataFrames    uint64
	TotalCalls    uint64
	Malformed     uint64

	RequestBytes  uint64
	ResponseBytes uint64

	MethodCounts map[string]uint64
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	methods := make(map[string]uint64, len(s.methodCounts))
	for k, v := range s.methodCounts {
		methods[k] = v
	}

	return StatisticsSnapshot{
		TotalFrames:   s.totalFrames,
		HeadersFrames: s.headersFrames,
		DataFrames:    s.dataFrames,
		TotalCalls:    s.totalCalls,
		Malformed:     s.malformed,
		RequestBytes:  s.requestBytes,
		ResponseBytes: s.responseBytes,
		MethodCounts:  methods,
	}
}
