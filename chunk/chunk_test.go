package chunk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunksCoversRangeExactly(t *testing.T) {
	ranges := Chunks(10, 101, 20)
	require.NotEmpty(t, ranges)

	var total uint64
	pos := uint64(10)
	for _, r := range ranges {
		require.Equal(t, pos, r.Pos)
		require.LessOrEqual(t, r.Count, uint64(20))
		total += r.Count
		pos += r.Count
	}
	require.Equal(t, uint64(91), total)
	require.Equal(t, uint64(101), pos)
}

func TestChunksEmptyRange(t *testing.T) {
	require.Nil(t, Chunks(5, 5, 10))
	require.Nil(t, Chunks(5, 4, 10))
}

func TestChunksExactMultiple(t *testing.T) {
	ranges := Chunks(0, 100, 25)
	require.Len(t, ranges, 4)
	for i, r := range ranges {
		require.Equal(t, uint64(i)*25, r.Pos)
		require.Equal(t, uint64(25), r.Count)
	}
}

func TestChunksSingleByte(t *testing.T) {
	ranges := Chunks(0, 1, 1000)
	require.Len(t, ranges, 1)
	require.Equal(t, Range{Pos: 0, Count: 1}, ranges[0])
}
