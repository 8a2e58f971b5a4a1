// Package models defines core data structures for chunks, queries, and retrieval results.
package models

// SourceType is the origin of a chunk's text.
type SourceType string

const (
	SourceTypePDF              SourceType = "pdf"
	SourceTypeWeb              SourceType = "web"
	SourceTypeGeneralKnowledge SourceType = "general_knowledge"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypePDF, SourceTypeWeb, SourceTypeGeneralKnowledge:
		return true
	}
	return false
}

// Metadata keys every chunk carries, plus the two keys added to retrieval results.
const (
	MetaType            = "type"
	MetaSource          = "source"
	MetaRelevanceScore  = "relevance_score"
	MetaFilteringReason = "filtering_reason"
)

// Chunk is a passage of source text with its metadata. Chunks held by a corpus are
// shared between concurrent queries and must be treated as read-only.
type Chunk struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Type returns the chunk's source type ("" when unset).
func (c *Chunk) Type() SourceType {
	if c == nil {
		return ""
	}
	switch v := c.Metadata[MetaType].(type) {
	case string:
		return SourceType(v)
	case SourceType:
		return v
	}
	return ""
}

// Source returns the chunk's source identifier ("" when unset).
func (c *Chunk) Source() string {
	if c == nil {
		return ""
	}
	s, _ := c.Metadata[MetaSource].(string)
	return s
}

// Clone returns a copy with its own top-level metadata map.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	return &Chunk{Text: c.Text, Metadata: CloneMetadata(c.Metadata)}
}

// CloneMetadata copies the top-level entries of m. A nil map yields an empty map.
func CloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
