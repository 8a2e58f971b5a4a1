package corpus

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/kotae/internal/domain"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(text, typ, source string) *models.Chunk {
	return &models.Chunk{Text: text, Metadata: map[string]interface{}{
		models.MetaType:   typ,
		models.MetaSource: source,
	}}
}

func sample() []*models.Chunk {
	return []*models.Chunk{
		chunk("The Library opens at 8am.", "pdf", "handbook.pdf"),
		chunk("Tuition is due in September.", "web", "https://uni.example/fees"),
		chunk("Water boils at 100 degrees.", "general_knowledge", "facts"),
	}
}

func TestNew_Validation(t *testing.T) {
	tests := map[string]*models.Chunk{
		"nil":          nil,
		"empty text":   chunk("   ", "pdf", "a"),
		"unknown type": chunk("x", "docx", "a"),
		"no source":    chunk("x", "pdf", ""),
	}
	for name, ch := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New([]*models.Chunk{ch})
			assert.True(t, errors.Is(err, ErrInvalidChunk), "got %v", err)
		})
	}
}

func TestCorpus_CopiesInput(t *testing.T) {
	in := sample()
	c, err := New(in)
	require.NoError(t, err)
	in[0].Metadata["extra"] = 1
	got, ok := c.At(0)
	require.True(t, ok)
	_, leaked := got.Metadata["extra"]
	assert.False(t, leaked)

	out := c.Chunks()
	out[1].Metadata[models.MetaRelevanceScore] = 0.9
	again, _ := c.At(1)
	_, leaked = again.Metadata[models.MetaRelevanceScore]
	assert.False(t, leaked)
}

func TestCorpus_At(t *testing.T) {
	c, _ := New(sample())
	_, ok := c.At(3)
	assert.False(t, ok)
	_, ok = c.At(-1)
	assert.False(t, ok)
	assert.Equal(t, "the library opens at 8am.", c.LowerText(0))
	assert.Equal(t, 3, c.Len())
	assert.Len(t, c.Texts(), 3)
}

func TestCorpus_BySourceType(t *testing.T) {
	c, _ := New(sample())
	pdf := c.BySourceType(models.SourceTypePDF)
	require.Len(t, pdf, 1)
	assert.Equal(t, "handbook.pdf", pdf[0].Source())
	assert.Empty(t, c.BySourceType("docx"))
}

func TestCorpus_ByCategory(t *testing.T) {
	c, _ := New(sample())
	cl := domain.NewDefaultClassifier()

	campus := c.ByCategory(cl, "campus")
	require.Len(t, campus, 1)
	assert.Contains(t, campus[0].Text, "Library")

	financial := c.ByCategory(cl, "financial")
	require.Len(t, financial, 1)
	assert.Contains(t, financial[0].Text, "Tuition")

	assert.Empty(t, c.ByCategory(cl, "astronomy"))
}

func TestConcat(t *testing.T) {
	a, _ := New(sample()[:2])
	b, _ := New(sample()[2:])
	all := Concat(a, b)
	require.Equal(t, 3, all.Len())
	last, _ := all.At(2)
	assert.Equal(t, "facts", last.Source())
}

func TestSnapshot_Validate(t *testing.T) {
	c, _ := New(sample())
	idx, err := vector.NewMemoryIndex(2)
	require.NoError(t, err)
	snap := &Snapshot{Name: "demo", Corpus: c, Index: idx}
	assert.True(t, errors.Is(snap.Validate(), ErrMisaligned))

	require.NoError(t, idx.Add(context.Background(), [][]float32{{1, 0}, {0, 1}, {1, 0}}))
	assert.NoError(t, snap.Validate())
	assert.NoError(t, snap.Close())
}
