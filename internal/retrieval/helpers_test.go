package retrieval

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/hyperjump/kotae/internal/corpus"
	"github.com/hyperjump/kotae/internal/domain"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	text string
	typ  models.SourceType
	vec  []float32
}

// unit returns s*e[a] + sqrt(1-s²)*e[b] in 4 dimensions.
func unit(s float64, a, b int) []float32 {
	v := make([]float32, 4)
	v[a] = float32(s)
	v[b] += float32(math.Sqrt(1 - s*s))
	return v
}

func axis(i int) []float32 {
	v := make([]float32, 4)
	v[i] = 1
	return v
}

func neg(v []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = -v[i]
	}
	return out
}

// trackedIndex fails searches after Close so tests can detect use of a retired snapshot.
type trackedIndex struct {
	vector.Index
	closed atomic.Bool
}

func (t *trackedIndex) Search(ctx context.Context, q []float32, k int) ([]vector.Result, error) {
	if t.closed.Load() {
		return nil, errors.New("search on closed index")
	}
	return t.Index.Search(ctx, q, k)
}

func (t *trackedIndex) Close() error {
	t.closed.Store(true)
	return t.Index.Close()
}

func buildSnapshot(t *testing.T, name string, fixtures []fixture) *corpus.Snapshot {
	t.Helper()
	chunks := make([]*models.Chunk, len(fixtures))
	vecs := make([][]float32, len(fixtures))
	for i, f := range fixtures {
		typ := f.typ
		if typ == "" {
			typ = models.SourceTypePDF
		}
		chunks[i] = &models.Chunk{Text: f.text, Metadata: map[string]interface{}{
			models.MetaType:   string(typ),
			models.MetaSource: "fixture",
		}}
		vecs[i] = f.vec
	}
	c, err := corpus.New(chunks)
	require.NoError(t, err)
	idx, err := vector.NewMemoryIndex(4)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), vecs))
	return &corpus.Snapshot{Name: name, Corpus: c, Index: &trackedIndex{Index: idx}}
}

func newEngine(t *testing.T, emb embedding.Embedder, opts Options, snap *corpus.Snapshot) *Engine {
	t.Helper()
	e := NewEngine(domain.NewDefaultClassifier(), emb, opts, nil, NewMetrics())
	if snap != nil {
		require.NoError(t, e.Swap(snap))
	}
	return e
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func assertInvariants(t *testing.T, results []*models.RetrievedChunk, k int) {
	t.Helper()
	require.LessOrEqual(t, len(results), k)
	seen := map[string]bool{}
	for _, r := range results {
		require.False(t, seen[r.Text()], "duplicate text %q", r.Text())
		seen[r.Text()] = true
		require.True(t, r.FilteringReason.Valid())
		require.GreaterOrEqual(t, r.RelevanceScore, 0.0)
		require.LessOrEqual(t, r.RelevanceScore, 1.0)
	}
}
