package balanced

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterPartition(t *testing.T) {
	for _, tc := range []struct {
		total, parts int
		want         []Range
	}{
		{4, 2, []Range{{0, 2}, {2, 4}}},
		{5, 2, []Range{{0, 3}, {3, 5}}},
		{7, 3, []Range{{0, 3}, {3, 5}, {5, 7}}},
		{2, 4, []Range{{0, 1}, {1, 2}, {2, 2}, {2, 2}}},
		{0, 3, []Range{{0, 0}, {0, 0}, {0, 0}}},
	} {
		s := NewSplitter(tc.total, tc.parts)
		for i, want := range tc.want {
			assert.Equal(t, want, s.Part(i), "total=%d parts=%d part=%d", tc.total, tc.parts, i)
		}
	}
}

func TestSplitterCoversRangeExactlyOnce(t *testing.T) {
	for _, tc := range []struct{ total, parts int }{{1, 1}, {10, 3}, {16, 5}, {3, 7}} {
		s := NewSplitter(tc.total, tc.parts)
		next := 0
		for i := 0; i < tc.parts; i++ {
			r := s.Part(i)
			require.Equal(t, next, r.Begin)
			require.LessOrEqual(t, r.Begin, r.End)
			next = r.End
		}
		require.Equal(t, tc.total, next)
	}
}

func TestSplitterPanics(t *testing.T) {
	require.Panics(t, func() { NewSplitter(4, 0) })
	require.Panics(t, func() { NewSplitter(-1, 2) })
	require.Panics(t, func() { NewSplitter(4, 2).Part(2) })
	require.Panics(t, func() { NewSplitter(4, 2).Part(-1) })
}
