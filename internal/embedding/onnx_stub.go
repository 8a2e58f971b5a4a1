//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errONNXUnavailable = errors.New("onnx embedder needs a cgo build with the onnxruntime library")

// ONNXEmbedder is unavailable without cgo; every method fails.
type ONNXEmbedder struct{}

// NewONNXEmbedder validates cfg and then reports that ONNX Runtime is not compiled in.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return nil, errONNXUnavailable
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errONNXUnavailable
}

func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errONNXUnavailable
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }

func (e *ONNXEmbedder) Close() error { return nil }
