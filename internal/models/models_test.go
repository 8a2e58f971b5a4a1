package models

import (
	"encoding/json"
	"testing"
)

func TestSearchQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		query   *SearchQuery
		wantK   int
		wantErr bool
	}{
		{"empty query", &SearchQuery{Query: ""}, 0, true},
		{"negative k", &SearchQuery{Query: "x", K: -1}, 0, true},
		{"sets default k", &SearchQuery{Query: "x"}, 20, false},
		{"caps k", &SearchQuery{Query: "x", K: 500}, 100, false},
		{"keeps k", &SearchQuery{Query: "x", K: 7}, 7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(20, 100)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.query.K != tt.wantK {
				t.Errorf("K = %d, want %d", tt.query.K, tt.wantK)
			}
		})
	}
}

func TestFilteringReason_Text(t *testing.T) {
	want := map[FilteringReason]string{
		ReasonUniversityRelated: "university_related",
		ReasonHighRelevance:     "high_relevance",
		ReasonFallbackBestMatch: "fallback_best_match",
		ReasonKeywordSearch:     "keyword_search",
	}
	if len(AllReasons()) != len(want) {
		t.Fatalf("AllReasons() has %d entries", len(AllReasons()))
	}
	for r, s := range want {
		b, err := r.MarshalText()
		if err != nil || string(b) != s {
			t.Errorf("MarshalText(%d) = %q, %v; want %q", r, b, err, s)
		}
		var back FilteringReason
		if err := back.UnmarshalText([]byte(s)); err != nil || back != r {
			t.Errorf("UnmarshalText(%q) = %v, %v", s, back, err)
		}
	}
	if _, err := FilteringReason(0).MarshalText(); err == nil {
		t.Error("zero reason should not marshal")
	}
	if !ReasonFallbackBestMatch.LowConfidence() || ReasonHighRelevance.LowConfidence() {
		t.Error("only fallback_best_match is low confidence")
	}
}

func TestRetrievedChunk_MetadataDoesNotTouchChunk(t *testing.T) {
	c := &Chunk{Text: "fees", Metadata: map[string]interface{}{MetaType: "pdf", MetaSource: "fees.pdf"}}
	r := NewRetrievedChunk(c, 0.7, ReasonHighRelevance)

	m := r.Metadata()
	if m[MetaRelevanceScore] != 0.7 || m[MetaFilteringReason] != "high_relevance" {
		t.Errorf("annotations missing: %v", m)
	}
	if _, ok := c.Metadata[MetaRelevanceScore]; ok {
		t.Error("relevance_score leaked into the chunk")
	}
	if _, ok := c.Metadata[MetaFilteringReason]; ok {
		t.Error("filtering_reason leaked into the chunk")
	}

	m[MetaSource] = "changed.pdf"
	if c.Metadata[MetaSource] != "fees.pdf" || r.Source() != "fees.pdf" {
		t.Error("writing to Metadata() changed the shared chunk")
	}

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var back RetrievedChunk
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Text() != "fees" || back.FilteringReason != ReasonHighRelevance || back.RelevanceScore != 0.7 {
		t.Errorf("unexpected decode: %+v", back)
	}
	if back.Type() != SourceTypePDF || back.Source() != "fees.pdf" {
		t.Errorf("metadata lost: %v", back.Metadata())
	}
}

func TestSourceType_Valid(t *testing.T) {
	for _, s := range []SourceType{SourceTypePDF, SourceTypeWeb, SourceTypeGeneralKnowledge} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if SourceType("docx").Valid() {
		t.Error("docx should be invalid")
	}
}
