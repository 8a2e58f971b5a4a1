package embedding

import (
	"context"
	"fmt"
	"sync"
)

// StaticEmbedder returns fixed vectors for known texts and a fallback (or an error) for
// anything else. Tests use it to place chunks and queries at exact similarities.
type StaticEmbedder struct {
	dimensions int
	vectors    map[string][]float32
	fallback   []float32

	mu    sync.Mutex
	calls []string
}

// NewStaticEmbedder returns an embedder over vectors. All vectors must have the same width.
func NewStaticEmbedder(vectors map[string][]float32) *StaticEmbedder {
	s := &StaticEmbedder{vectors: make(map[string][]float32, len(vectors))}
	for text, v := range vectors {
		s.vectors[text] = cloneVector(v)
		s.dimensions = len(v)
	}
	return s
}

// WithFallback sets the vector returned for unknown texts.
func (s *StaticEmbedder) WithFallback(v []float32) *StaticEmbedder {
	s.fallback = cloneVector(v)
	if s.dimensions == 0 {
		s.dimensions = len(v)
	}
	return s
}

// Embed returns the configured vector for text.
func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.mu.Unlock()
	if v, ok := s.vectors[text]; ok {
		return cloneVector(v), nil
	}
	if s.fallback != nil {
		return cloneVector(s.fallback), nil
	}
	return nil, fmt.Errorf("%w: no vector for %q", ErrEmbeddingFailed, text)
}

// EmbedBatch calls Embed for each text.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, s, texts)
}

// Calls returns the texts embedded so far, in order.
func (s *StaticEmbedder) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Dimensions returns the vector width.
func (s *StaticEmbedder) Dimensions() int {
	return s.dimensions
}

// Close is a no-op.
func (s *StaticEmbedder) Close() error {
	return nil
}
