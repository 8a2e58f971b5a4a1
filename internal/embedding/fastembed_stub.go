//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errFastEmbedUnavailable = errors.New("fastembed: not available (binary built without CGO support)")

// FastEmbedConfig holds configuration for the FastEmbed provider.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbedder is a stub for non-CGO builds.
type FastEmbedder struct{}

// NewFastEmbedder returns an error when CGO is not available.
func NewFastEmbedder(FastEmbedConfig) (*FastEmbedder, error) {
	return nil, errFastEmbedUnavailable
}

// Embed returns an error when CGO is not available.
func (f *FastEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errFastEmbedUnavailable
}

// EmbedBatch returns an error when CGO is not available.
func (f *FastEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errFastEmbedUnavailable
}

// Dimensions returns 0 when CGO is not available.
func (f *FastEmbedder) Dimensions() int { return 0 }

// Close is a no-op when CGO is not available.
func (f *FastEmbedder) Close() error { return nil }
