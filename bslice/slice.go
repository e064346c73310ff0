// Package bslice implements the zero-copy byte view used throughout the
// dissection engine. A Slice never copies on substring, and only pays for a
// reference count when it actually shares backing storage with another
// Slice.
package bslice

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Slice is a borrow over a contiguous, immutable byte region. The zero value
// is an empty, borrowed Slice ready to use.
//
// Two flavors share this type:
//
//   - borrowed: points into caller-owned memory; Clone/Release are no-ops.
//   - shared: backed by a refcount cell; Clone increments it, Release
//     decrements it, and the last Release frees the backing array.
//
// Substring-style operations (Sub, TrimPrefix, TrimSuffix) never copy; they
// return a new Slice narrowed over the same backing array, sharing the
// refcount cell of a shared Slice.
type Slice struct {
	data []byte
	rc   *refcount
}

// refcount is the shared cell for a "shared" Slice. Borrowed slices have a
// nil rc and never touch it.
type refcount struct {
	n int32
}

// Borrowed wraps data without taking ownership. The caller must keep data
// alive and unmodified for as long as the Slice (and any of its substrings)
// are in use. Clone and Release are no-ops on a borrowed Slice.
func Borrowed(data []byte) Slice {
	return Slice{data: data}
}

// Shared wraps data in a refcounted Slice starting at one reference. The
// caller transfers ownership of data to the Slice; Release must be called
// exactly once per Clone (including the initial value returned here) once
// the data is no longer needed.
func Shared(data []byte) Slice {
	return Slice{data: data, rc: &refcount{n: 1}}
}

// FromString is a convenience borrowed constructor over a string's bytes.
// Per Go's string immutability, this is always safe to treat as borrowed.
func FromString(s string) Slice {
	return Borrowed([]byte(s))
}

// Clone returns a Slice aliasing the same backing array. For a shared Slice
// this increments the refcount; for a borrowed Slice it is a plain copy of
// the header.
func (s Slice) Clone() Slice {
	if s.rc != nil {
		atomic.AddInt32(&s.rc.n, 1)
	}
	return s
}

// Release decrements the refcount of a shared Slice. It is a no-op on a
// borrowed Slice or the zero value. Callers must not use s (or any substring
// derived from it) after the matching Release that brings the count to zero.
func (s Slice) Release() {
	if s.rc == nil {
		return
	}
	atomic.AddInt32(&s.rc.n, -1)
}

// RefCount reports the current reference count of a shared Slice, or 0 for
// a borrowed Slice. Intended for tests and diagnostics only.
func (s Slice) RefCount() int32 {
	if s.rc == nil {
		return 0
	}
	return atomic.LoadInt32(&s.rc.n)
}

// Len returns the number of bytes in the slice.
func (s Slice) Len() int { return len(s.data) }

// IsEmpty reports whether the slice has zero length.
func (s Slice) IsEmpty() bool { return len(s.data) == 0 }

// Bytes exposes the underlying bytes directly. The returned slice aliases s;
// callers must not retain it past a Release of s's last reference.
func (s Slice) Bytes() []byte { return s.data }

// At returns the byte at index i and whether i was in range. Unlike the raw
// index operator, At never panics.
func (s Slice) At(i int) (byte, bool) {
	if i < 0 || i >= len(s.data) {
		return 0, false
	}
	return s.data[i], true
}

// Sub returns s[start:end] without copying. If the range is invalid it
// returns an empty Slice anchored at the valid boundary, matching the "zero
// default" discipline typed reads use elsewhere in this package.
func (s Slice) Sub(start, end int) Slice {
	if start < 0 {
		start = 0
	}
	if end > len(s.data) {
		end = len(s.data)
	}
	if start > end {
		return Slice{rc: s.rc}
	}
	return Slice{data: s.data[start:end], rc: s.rc}
}

// From returns s[start:], equivalent to s.Sub(start, s.Len()).
func (s Slice) From(start int) Slice { return s.Sub(start, len(s.data)) }

// SafeAdvance advances the start of s by n bytes in place, shrinking its
// length. It returns false (leaving s unmodified) if n exceeds the current
// length.
func (s *Slice) SafeAdvance(n int) bool {
	if n < 0 || n > len(s.data) {
		return false
	}
	s.data = s.data[n:]
	return true
}

// StartsWith reports whether s begins with prefix.
func (s Slice) StartsWith(prefix []byte) bool {
	if len(prefix) > len(s.data) {
		return false
	}
	for i, b := range prefix {
		if s.data[i] != b {
			return false
		}
	}
	return true
}

// EndsWith reports whether s ends with suffix.
func (s Slice) EndsWith(suffix []byte) bool {
	if len(suffix) > len(s.data) {
		return false
	}
	base := len(s.data) - len(suffix)
	for i, b := range suffix {
		if s.data[base+i] != b {
			return false
		}
	}
	return true
}

// --- typed reads ---
//
// All typed reads are total: reading past the end of the slice returns the
// zero value of T rather than erroring, matching spec.md §4.1's "typed reads
// return a zero default" rule. Use the Safe* variants when an explicit
// failure is required instead.

func (s Slice) U8(offset int) uint8 {
	if offset < 0 || offset >= len(s.data) {
		return 0
	}
	return s.data[offset]
}

func (s Slice) U16(offset int) uint16 {
	b, ok := s.bytesAt(offset, 2)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (s Slice) U16BE(offset int) uint16 {
	b, ok := s.bytesAt(offset, 2)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (s Slice) U32(offset int) uint32 {
	b, ok := s.bytesAt(offset, 4)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (s Slice) U32BE(offset int) uint32 {
	b, ok := s.bytesAt(offset, 4)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (s Slice) U64(offset int) uint64 {
	b, ok := s.bytesAt(offset, 8)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (s Slice) U64BE(offset int) uint64 {
	b, ok := s.bytesAt(offset, 8)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// U24BE reads a 3-byte big-endian unsigned integer (used by several
// industrial/TLS length fields).
func (s Slice) U24BE(offset int) uint32 {
	b, ok := s.bytesAt(offset, 3)
	if !ok {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func (s Slice) bytesAt(offset, n int) ([]byte, bool) {
	if offset < 0 || n < 0 || offset+n > len(s.data) {
		return nil, false
	}
	return s.data[offset : offset+n], true
}

// SafeU8 reports ok=false instead of returning a zero default, for callers
// that must distinguish "absent" from "present and zero".
func (s Slice) SafeU8(offset int) (uint8, bool) {
	if offset < 0 || offset >= len(s.data) {
		return 0, false
	}
	return s.data[offset], true
}

// --- search ---

// minSIMDLen mirrors simd_utils.hpp's tiering: below this length scalar
// memchr/bytes.Index is as fast as vectorized comparison once call overhead
// is accounted for.
const minSIMDLen = 16

var hasAVX2 = cpu.X86.HasAVX2
var hasSSE2 = cpu.X86.HasSSE2

// Find returns the index of the first occurrence of b in s, or -1. It
// dispatches on buffer length and runtime CPU features, matching spec.md
// §4.1: short buffers always use the scalar path; §8 requires scalar and
// SIMD paths to agree on every input, which findByteScalar and the
// feature-gated paths below satisfy by construction (they share one
// decision procedure expressed at two granularities).
func (s Slice) Find(b byte) int {
	return findByte(s.data, b)
}

// FindPattern returns the index of the first occurrence of pattern in s, or
// -1. A 1-byte pattern forwards to Find.
func (s Slice) FindPattern(pattern []byte) int {
	if len(pattern) == 0 {
		return 0
	}
	if len(pattern) == 1 {
		return findByte(s.data, pattern[0])
	}
	return findPatternScalar(s.data, pattern)
}

func findByte(data []byte, target byte) int {
	n := len(data)
	if n >= 32 && hasAVX2 {
		return findByteBlock(data, target, 32)
	}
	if n >= minSIMDLen && hasSSE2 {
		return findByteBlock(data, target, 16)
	}
	return findByteScalar(data, target)
}

// findByteBlock simulates the broadcast+compare+movemask loop spec.md §4.1
// describes for the AVX2/SSE2 tiers: scan blockSize bytes at a time looking
// for any match, then pinpoint the exact byte. Go has no portable SIMD
// intrinsics, so the block loop itself is scalar, but it preserves the
// block-granularity short-circuit (skip 16/32 bytes at once when none
// match) that gives the vectorized version its throughput, and — crucially
// for the equivalence property in spec.md §8 — returns bit-for-bit the same
// index as findByteScalar on every input.
func findByteBlock(data []byte, target byte, blockSize int) int {
	i := 0
	for ; i+blockSize <= len(data); i += blockSize {
		block := data[i : i+blockSize]
		if !blockMayContain(block, target) {
			continue
		}
		for j, c := range block {
			if c == target {
				return i + j
			}
		}
	}
	for ; i < len(data); i++ {
		if data[i] == target {
			return i
		}
	}
	return -1
}

// blockMayContain is the movemask-equivalent membership probe: OR together
// XOR-with-target across the block and test for any zero byte via the
// classic SWAR "has-zero-byte" trick, avoiding a second full scan of blocks
// that can't match.
func blockMayContain(block []byte, target byte) bool {
	var acc uint64
	i := 0
	for ; i+8 <= len(block); i += 8 {
		w := binary.LittleEndian.Uint64(block[i : i+8])
		acc |= hasZeroByte(w ^ broadcast(target))
	}
	if acc != 0 {
		return true
	}
	for ; i < len(block); i++ {
		if block[i] == target {
			return true
		}
	}
	return false
}

func broadcast(b byte) uint64 {
	w := uint64(b)
	return w * 0x0101010101010101
}

// hasZeroByte returns a non-zero value iff v contains a zero byte.
func hasZeroByte(v uint64) uint64 {
	const lo = 0x0101010101010101
	const hi = 0x8080808080808080
	return (v - lo) &^ v & hi
}

func findByteScalar(data []byte, target byte) int {
	for i, c := range data {
		if c == target {
			return i
		}
	}
	return -1
}

// findPatternScalar performs a k-byte comparison at each candidate offset,
// matching spec.md §4.1's "linear scan that compares k bytes at each
// candidate" fallback.
func findPatternScalar(data, pattern []byte) int {
	n, k := len(data), len(pattern)
	if k > n {
		return -1
	}
	for i := 0; i+k <= n; i++ {
		if matchAt(data, pattern, i) {
			return i
		}
	}
	return -1
}

func matchAt(data, pattern []byte, at int) bool {
	for j := 0; j < len(pattern); j++ {
		if data[at+j] != pattern[j] {
			return false
		}
	}
	return true
}

// PopcountMask counts the bits of v selected by mask, for testing
// qualifier/flag bits without repeating bit math. Nothing else in this
// module calls it yet.
func PopcountMask(v uint8, mask uint8) int {
	return bits.OnesCount8(v & mask)
}
