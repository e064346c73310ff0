package bslice

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedCloneRefcount(t *testing.T) {
	s := Shared([]byte("hello world"))
	require.EqualValues(t, 1, s.RefCount())

	c := s.Clone()
	require.EqualValues(t, 2, s.RefCount())

	c.Release()
	require.EqualValues(t, 1, s.RefCount())

	s.Release()
	require.EqualValues(t, 0, s.RefCount())
}

func TestBorrowedReleaseNoop(t *testing.T) {
	s := Borrowed([]byte("abc"))
	s.Release()
	s.Release()
	require.EqualValues(t, 0, s.RefCount())
}

// TestSubstringInvariance is the spec.md §8 "ByteSlice substring invariance"
// property: for every valid (o, n), substring(o, n) has size ==
// min(n, size-o) and points into the same backing store.
func TestSubstringInvariance(t *testing.T) {
	backing := []byte("0123456789abcdef")
	s := Borrowed(backing)

	for o := 0; o <= len(backing); o++ {
		for n := 0; n <= len(backing)+2; n++ {
			sub := s.Sub(o, o+n)
			want := n
			if o+n > len(backing) {
				want = len(backing) - o
			}
			if want < 0 {
				want = 0
			}
			require.Equal(t, want, sub.Len(), "o=%d n=%d", o, n)
			if sub.Len() > 0 {
				// Same backing array: mutate through the original and
				// observe it via the substring.
				idx := o
				orig := backing[idx]
				backing[idx] ^= 0xFF
				assert.Equal(t, backing[idx], sub.Bytes()[0])
				backing[idx] = orig
			}
		}
	}
}

// TestFindScalarSIMDEquivalence is the spec.md §8 "SIMD/scalar equivalence"
// property.
func TestFindScalarSIMDEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 500; trial++ {
		n := rng.Intn(200)
		buf := make([]byte, n)
		rng.Read(buf)
		target := byte(rng.Intn(256))

		got := findByte(buf, target)
		want := findByteScalar(buf, target)
		require.Equal(t, want, got, "buf=%v target=%d", buf, target)
	}
}

func TestFindPattern(t *testing.T) {
	s := Borrowed([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.Equal(t, 0, s.FindPattern([]byte("GET")))
	require.Equal(t, 6, s.FindPattern([]byte("HTTP/1.1")))
	require.Equal(t, -1, s.FindPattern([]byte("POST")))
	require.Equal(t, 0, s.FindPattern(nil))
}

func TestTypedReadsZeroOnOverrun(t *testing.T) {
	s := Borrowed([]byte{0x01, 0x02})
	require.EqualValues(t, 0, s.U32(0))
	require.EqualValues(t, 0x0201, s.U16(0))
	require.EqualValues(t, 0x0102, s.U16BE(0))
}

func TestSafeAdvance(t *testing.T) {
	s := Borrowed([]byte("abcdef"))
	require.True(t, s.SafeAdvance(3))
	require.Equal(t, "def", string(s.Bytes()))
	require.False(t, s.SafeAdvance(10))
	require.Equal(t, "def", string(s.Bytes()))
}

func TestStartsEndsWith(t *testing.T) {
	s := Borrowed([]byte("PREFIXmiddleSUFFIX"))
	require.True(t, s.StartsWith([]byte("PREFIX")))
	require.True(t, s.EndsWith([]byte("SUFFIX")))
	require.False(t, s.StartsWith([]byte("nope")))
}

func TestCloneContentMatchesOriginal(t *testing.T) {
	s := Shared([]byte("hello prince!"))
	c := s.Clone()
	if diff := cmp.Diff(string(s.Bytes()), string(c.Bytes())); diff != "" {
		t.Fatalf("clone content mismatch (-original +clone):\n%s", diff)
	}
}
