package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		items []int
		size  int
		want  [][]int
	}{
		{"even split", []int{1, 2, 3, 4}, 2, [][]int{{1, 2}, {3, 4}}},
		{"short tail", []int{1, 2, 3, 4, 5}, 2, [][]int{{1, 2}, {3, 4}, {5}}},
		{"size larger than input", []int{1, 2}, 20, [][]int{{1, 2}}},
		{"size one", []int{1, 2, 3}, 1, [][]int{{1}, {2}, {3}}},
		{"empty input", nil, 3, [][]int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Chunk(tt.items, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunk_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Chunk([]string{"a"}, size)
		assert.ErrorIs(t, err, ErrInvalidChunkSize)
	}
}

func TestChunk_Properties(t *testing.T) {
	for n := 0; n <= 45; n++ {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		for _, size := range []int{1, 3, 7, 20} {
			chunks, err := Chunk(items, size)
			require.NoError(t, err)

			var flat []int
			for i, c := range chunks {
				assert.NotEmpty(t, c)
				assert.LessOrEqual(t, len(c), size)
				if i < len(chunks)-1 {
					assert.Len(t, c, size)
				}
				flat = append(flat, c...)
			}
			if n == 0 {
				assert.Empty(t, flat)
			} else {
				assert.Equal(t, items, flat, "n=%d size=%d", n, size)
			}
		}
	}
}
