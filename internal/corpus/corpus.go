// Package corpus holds the ordered chunk list that is index-aligned with a vector index.
package corpus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperjump/kotae/internal/domain"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

var (
	// ErrInvalidChunk is returned for chunks missing text, a known type or a source.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrMisaligned is returned when a corpus and its index differ in length.
	ErrMisaligned = errors.New("corpus and index are not aligned")
)

// Corpus is an immutable, ordered list of chunks. Position i corresponds to vector i of the
// index it was built with.
type Corpus struct {
	chunks []*models.Chunk
	lower  []string
}

// New validates and copies chunks into a corpus.
func New(chunks []*models.Chunk) (*Corpus, error) {
	c := &Corpus{
		chunks: make([]*models.Chunk, len(chunks)),
		lower:  make([]string, len(chunks)),
	}
	for i, ch := range chunks {
		if err := Validate(ch); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		c.chunks[i] = ch.Clone()
		c.lower[i] = strings.ToLower(ch.Text)
	}
	return c, nil
}

// Validate checks that ch has non-empty text, a known source type and a source.
func Validate(ch *models.Chunk) error {
	switch {
	case ch == nil:
		return fmt.Errorf("%w: nil chunk", ErrInvalidChunk)
	case strings.TrimSpace(ch.Text) == "":
		return fmt.Errorf("%w: empty text", ErrInvalidChunk)
	case !ch.Type().Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChunk, ch.Type())
	case ch.Source() == "":
		return fmt.Errorf("%w: missing source", ErrInvalidChunk)
	}
	return nil
}

// Len returns the number of chunks.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.chunks)
}

// At returns the shared chunk at position i, or false when i is out of range.
// The chunk must not be modified.
func (c *Corpus) At(i int) (*models.Chunk, bool) {
	if c == nil || i < 0 || i >= len(c.chunks) {
		return nil, false
	}
	return c.chunks[i], true
}

// LowerText returns the lowercased text of chunk i.
func (c *Corpus) LowerText(i int) string {
	return c.lower[i]
}

// Chunks returns copies of all chunks in order.
func (c *Corpus) Chunks() []*models.Chunk {
	out := make([]*models.Chunk, c.Len())
	for i := range out {
		out[i] = c.chunks[i].Clone()
	}
	return out
}

// Texts returns the chunk texts in order.
func (c *Corpus) Texts() []string {
	out := make([]string, c.Len())
	for i := range out {
		out[i] = c.chunks[i].Text
	}
	return out
}

// BySourceType returns copies of the chunks whose metadata type equals t.
func (c *Corpus) BySourceType(t models.SourceType) []*models.Chunk {
	out := []*models.Chunk{}
	for i := 0; i < c.Len(); i++ {
		if c.chunks[i].Type() == t {
			out = append(out, c.chunks[i].Clone())
		}
	}
	return out
}

// ByCategory returns copies of the chunks whose text contains any keyword of the named
// category. Unknown categories yield an empty list.
func (c *Corpus) ByCategory(cl *domain.Classifier, name string) []*models.Chunk {
	out := []*models.Chunk{}
	keywords, ok := cl.CategoryKeywords(name)
	if !ok {
		return out
	}
	for i := 0; i < c.Len(); i++ {
		if domain.ContainsAnyKeyword(c.lower[i], keywords) {
			out = append(out, c.chunks[i].Clone())
		}
	}
	return out
}

// Concat returns a corpus holding the chunks of all inputs in order.
func Concat(parts ...*Corpus) *Corpus {
	n := 0
	for _, p := range parts {
		n += p.Len()
	}
	out := &Corpus{chunks: make([]*models.Chunk, 0, n), lower: make([]string, 0, n)}
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.chunks = append(out.chunks, p.chunks...)
		out.lower = append(out.lower, p.lower...)
	}
	return out
}

// Snapshot is a named corpus with the index built from it.
type Snapshot struct {
	Name   string
	Corpus *Corpus
	Index  vector.Index
}

// Validate reports ErrMisaligned when the corpus and index lengths differ.
func (s *Snapshot) Validate() error {
	if s == nil || s.Corpus == nil || s.Index == nil {
		return fmt.Errorf("%w: incomplete snapshot", ErrMisaligned)
	}
	if s.Corpus.Len() != s.Index.Size() {
		return fmt.Errorf("%w: %s has %d chunks and %d vectors", ErrMisaligned, s.Name, s.Corpus.Len(), s.Index.Size())
	}
	return nil
}

// Close releases the index.
func (s *Snapshot) Close() error {
	if s == nil || s.Index == nil {
		return nil
	}
	return s.Index.Close()
}
