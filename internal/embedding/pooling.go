package embedding

import "fmt"

// Pooling modes for the ONNX embedder.
const (
	// PoolingMean averages per-token states under the attention mask, as sentence-transformers does.
	PoolingMean = "mean"
	// PoolingCLS takes the state of the first token.
	PoolingCLS = "cls"
	// PoolingNone reads a model output that is already one vector per sentence.
	PoolingNone = "none"
)

// ONNXConfig configures an ONNXEmbedder.
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	MaxTokens  int
	Pooling    string
	// OutputName defaults to last_hidden_state for token-level pooling and output for PoolingNone.
	OutputName string
}

func (c *ONNXConfig) normalize() error {
	if c.ModelPath == "" {
		return fmt.Errorf("%w: onnx model path is empty", ErrEmptyInput)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("onnx dimensions must be positive, got %d", c.Dimensions)
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
	switch c.Pooling {
	case "":
		c.Pooling = PoolingMean
	case PoolingMean, PoolingCLS, PoolingNone:
	default:
		return fmt.Errorf("unknown pooling %q (supported: mean, cls, none)", c.Pooling)
	}
	if c.OutputName == "" {
		c.OutputName = "last_hidden_state"
		if c.Pooling == PoolingNone {
			c.OutputName = "output"
		}
	}
	return nil
}

// pool reduces model output to one vector of dims values. For token-level modes states
// holds len(mask) rows of dims values.
func pool(mode string, states []float32, mask []int64, dims int) []float32 {
	out := make([]float32, dims)
	switch mode {
	case PoolingNone, PoolingCLS:
		copy(out, states[:dims])
	default:
		var n float32
		for pos, m := range mask {
			if m == 0 {
				continue
			}
			row := states[pos*dims : (pos+1)*dims]
			for i, v := range row {
				out[i] += v
			}
			n++
		}
		if n > 0 {
			for i := range out {
				out[i] /= n
			}
		}
	}
	return out
}
