// Package vector provides nearest-neighbor indexes over unit-normalized embeddings.
// Vector ids are insertion positions, so position i always refers to the i-th vector added.
package vector

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector's width differs from the index's.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Index defines positional vector storage and similarity search.
type Index interface {
	// Add appends vectors; the first gets id Size() before the call.
	Add(ctx context.Context, vectors [][]float32) error
	// Search returns up to k results by descending score. k larger than Size() returns all.
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	// Save writes the index under base; the file name is FilePath(Type(), base).
	Save(base string) error
	Size() int
	Dimensions() int
	Type() IndexType
	Close() error
}

// Result is a single vector search hit. ID is the vector's insertion position.
type Result struct {
	ID    int
	Score float64 // inner product; cosine similarity for normalized vectors
}
