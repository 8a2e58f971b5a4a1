package models

import (
	"encoding/json"
	"fmt"
)

// FilteringReason explains why a chunk was accepted into a result set.
type FilteringReason uint8

const (
	// ReasonUniversityRelated: institution-related query, lenient threshold plus keyword or strict score.
	ReasonUniversityRelated FilteringReason = iota + 1
	// ReasonHighRelevance: any other query, strict threshold.
	ReasonHighRelevance
	// ReasonFallbackBestMatch: nothing passed the thresholds; best candidates kept. Low confidence.
	ReasonFallbackBestMatch
	// ReasonKeywordSearch: found by the per-keyword broad search.
	ReasonKeywordSearch
)

var reasonNames = map[FilteringReason]string{
	ReasonUniversityRelated: "university_related",
	ReasonHighRelevance:     "high_relevance",
	ReasonFallbackBestMatch: "fallback_best_match",
	ReasonKeywordSearch:     "keyword_search",
}

// AllReasons lists every filtering reason.
func AllReasons() []FilteringReason {
	return []FilteringReason{ReasonUniversityRelated, ReasonHighRelevance, ReasonFallbackBestMatch, ReasonKeywordSearch}
}

// String returns the wire name of the reason.
func (r FilteringReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("FilteringReason(%d)", uint8(r))
}

// Valid reports whether r is one of the four known reasons.
func (r FilteringReason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// LowConfidence reports whether the reason signals weak grounding.
func (r FilteringReason) LowConfidence() bool {
	return r == ReasonFallbackBestMatch
}

// MarshalText implements encoding.TextMarshaler.
func (r FilteringReason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid filtering reason %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FilteringReason) UnmarshalText(b []byte) error {
	for k, v := range reasonNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown filtering reason %q", string(b))
}

// RetrievedChunk is one query's view of a corpus chunk: the shared chunk plus the
// score and reason assigned by that query. The chunk is shared with the corpus and
// concurrent queries, so it is only reachable through accessors that copy.
type RetrievedChunk struct {
	chunk           *Chunk
	RelevanceScore  float64
	FilteringReason FilteringReason
}

// NewRetrievedChunk annotates c for one query. c must not be modified afterwards.
func NewRetrievedChunk(c *Chunk, score float64, reason FilteringReason) *RetrievedChunk {
	return &RetrievedChunk{chunk: c, RelevanceScore: score, FilteringReason: reason}
}

// Text returns the chunk text.
func (r *RetrievedChunk) Text() string {
	if r == nil || r.chunk == nil {
		return ""
	}
	return r.chunk.Text
}

// Type returns the chunk's source type.
func (r *RetrievedChunk) Type() SourceType {
	if r == nil || r.chunk == nil {
		return ""
	}
	return r.chunk.Type()
}

// Source returns the chunk's source.
func (r *RetrievedChunk) Source() string {
	if r == nil || r.chunk == nil {
		return ""
	}
	return r.chunk.Source()
}

// Metadata returns a fresh copy of the chunk metadata with relevance_score and
// filtering_reason set.
func (r *RetrievedChunk) Metadata() map[string]interface{} {
	var m map[string]interface{}
	if r.chunk != nil {
		m = CloneMetadata(r.chunk.Metadata)
	} else {
		m = CloneMetadata(nil)
	}
	m[MetaRelevanceScore] = r.RelevanceScore
	m[MetaFilteringReason] = r.FilteringReason.String()
	return m
}

type retrievedChunkJSON struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// MarshalJSON renders the chunk in the {text, metadata} shape the answer generator consumes.
func (r RetrievedChunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(retrievedChunkJSON{Text: r.Text(), Metadata: r.Metadata()})
}

// UnmarshalJSON parses the {text, metadata} shape back into a standalone record.
func (r *RetrievedChunk) UnmarshalJSON(b []byte) error {
	var raw retrievedChunkJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	meta := CloneMetadata(raw.Metadata)
	if v, ok := meta[MetaRelevanceScore].(float64); ok {
		r.RelevanceScore = v
	}
	if v, ok := meta[MetaFilteringReason].(string); ok {
		if err := r.FilteringReason.UnmarshalText([]byte(v)); err != nil {
			return err
		}
	}
	delete(meta, MetaRelevanceScore)
	delete(meta, MetaFilteringReason)
	r.chunk = &Chunk{Text: raw.Text, Metadata: meta}
	return nil
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query         string            `json:"query"`
	EnhancedQuery string            `json:"enhanced_query"`
	Related       bool              `json:"related"`
	BroadSearch   bool              `json:"broad_search"`
	Results       []*RetrievedChunk `json:"results"`
	Total         int               `json:"total"`
	QueryTime     int64             `json:"query_time_ms"`
}
