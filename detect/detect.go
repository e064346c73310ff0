// Package detect implements the protocol detection engine of spec.md
// §4.15: four cooperating detectors (port-based, signature-based,
// heuristic, deep inspection) whose results are combined into one
// ProtocolFingerprint.
//
// Grounded on
// original_source/include/detection/protocol_detection.hpp and
// src/detection/protocol_detection.cpp end to end — this is one of the
// few original_source components with a complete, non-stub .cpp file, so
// the scoring formulas, confidence banding, and built-in signature table
// below are direct translations of that file's arithmetic, not
// inventions. DetectionResult is renamed ProtocolFingerprint per
// spec.md's own vocabulary ("emitting a list of ProtocolFingerprint").
package detect

import (
	"github.com/packetforge/dissect/sets"
)

// ConfidenceLevel bands a raw 0.0-1.0 confidence score, per
// protocol_detection.hpp's ConfidenceLevel enum and spec.md §4.15's
// "Confidence level banding".
type ConfidenceLevel uint8

const (
	VeryLow ConfidenceLevel = iota
	Low
	Medium
	High
	VeryHigh
)

func (c ConfidenceLevel) String() string {
	switch c {
	case VeryHigh:
		return "VeryHigh"
	case High:
		return "High"
	case Medium:
		return "Medium"
	case Low:
		return "Low"
	default:
		return "VeryLow"
	}
}

// ScoreToConfidenceLevel bands score per spec.md §4.15: >=0.8 VeryHigh,
// >=0.6 High, >=0.4 Medium, >=0.2 Low, else VeryLow — the same thresholds
// as protocol_detection.cpp's score_to_confidence_level.
func ScoreToConfidenceLevel(score float64) ConfidenceLevel {
	switch {
	case score >= 0.8:
		return VeryHigh
	case score >= 0.6:
		return High
	case score >= 0.4:
		return Medium
	case score >= 0.2:
		return Low
	default:
		return VeryLow
	}
}

// ProtocolFingerprint is the result one detector (or the combined
// engine) emits for a buffer, per protocol_detection.hpp's
// DetectionResult.
type ProtocolFingerprint struct {
	ProtocolName     string
	Confidence       ConfidenceLevel
	ConfidenceScore  float64
	DetectedPort     uint16
	DetectionMethod  string
	Evidence         []string
	BytesAnalyzed    int
}

// IsReliable reports confidence >= High, per DetectionResult::is_reliable.
func (f ProtocolFingerprint) IsReliable() bool { return f.Confidence >= High }

// IsCertain reports VeryHigh confidence with score >= 0.9, per
// DetectionResult::is_certain.
func (f ProtocolFingerprint) IsCertain() bool {
	return f.Confidence == VeryHigh && f.ConfidenceScore >= 0.9
}

// evidenceSet dedups evidence lines when merging same-protocol results
// from multiple detectors, using sets.OrderedSet the way
// SPEC_FULL.md's DOMAIN STACK section assigns evidence dedup to `sets`.
func dedupEvidence(evidence []string) []string {
	seen := sets.NewOrderedSet(evidence...)
	return seen.AsSlice()
}
