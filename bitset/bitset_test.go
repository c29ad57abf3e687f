package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAddContainsLen(t *testing.T) {
	s := New(5)
	require.False(t, s.Full())
	require.Equal(t, 0, s.Len())

	s.Add(1)
	s.Add(3)
	require.True(t, s.Contains(1))
	require.True(t, s.Contains(3))
	require.False(t, s.Contains(0))
	require.Equal(t, 2, s.Len())

	s.Add(1) // idempotent
	require.Equal(t, 2, s.Len())
}

func TestSetFull(t *testing.T) {
	s := New(3)
	for i := 0; i < 3; i++ {
		s.Add(i)
	}
	require.True(t, s.Full())
}

func TestSetFullAcrossWordBoundary(t *testing.T) {
	s := New(70)
	for i := 0; i < 70; i++ {
		s.Add(i)
	}
	require.True(t, s.Full())
	require.Equal(t, 70, s.Len())
}

func TestUnion(t *testing.T) {
	a := New(4)
	a.Add(0)
	b := New(4)
	b.Add(2)

	u := a.Union(b)
	require.ElementsMatch(t, []int{0, 2}, u.Ranks())
	// originals untouched
	require.Equal(t, []int{0}, a.Ranks())
}

func TestUnionInto(t *testing.T) {
	a := New(4)
	a.Add(0)
	b := New(4)
	b.Add(1)
	b.Add(3)

	a.UnionInto(b)
	require.ElementsMatch(t, []int{0, 1, 3}, a.Ranks())
}

func TestBytesRoundTrip(t *testing.T) {
	s := New(8)
	s.Add(0)
	s.Add(5)
	s.Add(7)

	got := FromBytes(s.Bytes())
	require.Equal(t, s.Ranks(), got.Ranks())
}
