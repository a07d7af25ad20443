package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlabAllocWithGetsOwnHandle(t *testing.T) {
	s := NewSlab[int](4, 100)

	var seen int
	handle, err := s.AllocWith(func(h int) int {
		seen = h
		return h * 2
	})
	require.NoError(t, err)
	require.Equal(t, 100, handle)
	require.Equal(t, 100, seen)

	v, ok := s.Get(handle)
	require.True(t, ok)
	require.Equal(t, 200, *v)
}

func TestSlabTryAllocWithDoesNotConsumeSlotOnError(t *testing.T) {
	s := NewSlab[int](1, 0)

	_, err := s.TryAllocWith(func(h int) (int, error) {
		return 0, errFixtureConstruct
	})
	require.ErrorIs(t, err, errFixtureConstruct)
	require.Equal(t, 0, s.Len())

	handle, err := s.TryAllocWith(func(h int) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	v, _ := s.Get(handle)
	require.Equal(t, 7, *v)
}

func TestSlabExhaustionReturnsErrSlabFull(t *testing.T) {
	s := NewSlab[int](2, 0)
	_, err := s.Alloc(1)
	require.NoError(t, err)
	_, err = s.Alloc(2)
	require.NoError(t, err)

	_, err = s.Alloc(3)
	require.ErrorIs(t, err, ErrSlabFull)
}

func TestSlabFreeIsIdempotentAndHandlesAreStable(t *testing.T) {
	s := NewSlab[string](3, 10)
	h1, _ := s.Alloc("a")
	h2, _ := s.Alloc("b")

	s.Free(h1)
	require.False(t, s.Contains(h1))
	require.True(t, s.Contains(h2))

	// Freeing an already-free handle is a documented no-op.
	s.Free(h1)
	require.Equal(t, 1, s.Len())

	// Freeing an out-of-range handle is likewise a no-op.
	s.Free(9999)
	require.Equal(t, 1, s.Len())

	h3, err := s.Alloc("c")
	require.NoError(t, err)
	require.Equal(t, h1, h3, "freed slot should be recycled")
}

var errFixtureConstruct = fixtureErr("slab_test: construct failed")

type fixtureErr string

func (e fixtureErr) Error() string { return string(e) }
