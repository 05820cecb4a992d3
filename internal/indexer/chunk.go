package indexer

import (
	"errors"
	"slices"
)

// ErrInvalidChunkSize is returned for a chunk size below one.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk splits items into consecutive slices of at most size elements,
// preserving order. Only the last chunk may be shorter. Empty input yields no
// chunks.
func Chunk[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for c := range slices.Chunk(items, size) {
		chunks = append(chunks, c)
	}
	return chunks, nil
}
