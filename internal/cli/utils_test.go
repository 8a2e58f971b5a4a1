package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
)

func sampleResponse() *models.SearchResponse {
	deadline := &models.Chunk{Text: "Admission deadline is March 1.", Metadata: map[string]interface{}{
		models.MetaType:   "pdf",
		models.MetaSource: "handbook.pdf",
	}}
	weather := &models.Chunk{Text: "The campus\nweather station   reports daily.", Metadata: map[string]interface{}{
		models.MetaType:   "web",
		models.MetaSource: "https://example.edu/weather",
	}}
	return &models.SearchResponse{
		Query:         "admission deadline",
		EnhancedQuery: "admission deadline admission enrollment registration",
		Related:       true,
		Results: []*models.RetrievedChunk{
			models.NewRetrievedChunk(deadline, 0.82, models.ReasonUniversityRelated),
			models.NewRetrievedChunk(weather, 0.31, models.ReasonFallbackBestMatch),
		},
		Total:     2,
		QueryTime: 12,
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != response.Query || decoded.QueryTime != response.QueryTime || decoded.Total != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
	if len(decoded.Results) != 2 {
		t.Fatalf("decoded %d results, want 2", len(decoded.Results))
	}
	first := decoded.Results[0]
	if first.Text() != "Admission deadline is March 1." || first.FilteringReason != models.ReasonUniversityRelated {
		t.Errorf("first result = %q %v", first.Text(), first.FilteringReason)
	}
	if first.Source() != "handbook.pdf" {
		t.Errorf("source = %q", first.Source())
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{
		"Found 2 results in 12ms",
		"Enhanced query: admission deadline admission enrollment",
		"[1] Score: 0.8200 | Reason: university_related",
		"Reason: fallback_best_match (low confidence)",
		"Type: pdf | Source: handbook.pdf",
		"Admission deadline is March 1.",
	} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
	if strings.Contains(out, "Broad keyword search") {
		t.Errorf("broad search line printed without broad search:\n%s", out)
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	want := "0.3100\tfallback_best_match\tweb\thttps://example.edu/weather\tThe campus weather station reports daily."
	if lines[1] != want {
		t.Errorf("line = %q, want %q", lines[1], want)
	}
}

func TestWriteSearchResults_unknownFormatTreatedAsText(t *testing.T) {
	response := &models.SearchResponse{Query: "x"}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, SearchOutputFormat("unknown")); err != nil {
		t.Fatalf("WriteSearchResults(unknown): %v", err)
	}
	if !strings.Contains(buf.String(), "Found 0 results") {
		t.Errorf("unknown format should fall back to text; got %q", buf.String())
	}
}

func TestWriteChunks(t *testing.T) {
	chunks := []*models.Chunk{
		{Text: "Library opens at 8.", Metadata: map[string]interface{}{models.MetaType: "web", models.MetaSource: "library"}},
	}
	var buf bytes.Buffer
	if err := WriteChunks(&buf, chunks, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "1 chunks") || !strings.Contains(buf.String(), "Library opens at 8.") {
		t.Errorf("text output:\n%s", buf.String())
	}

	buf.Reset()
	if err := WriteChunks(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty JSON = %q, want []", buf.String())
	}
}

func TestWriteStatus(t *testing.T) {
	st := &Status{
		Snapshot:  retrieval.Status{Loaded: true, Prefix: "pdf", Chunks: 10, Dimensions: 384, IndexType: "memory"},
		Snapshots: []string{"pdf", "web"},
		DiskUsage: 2048,
		Dir:       "/data/embeddings",
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"/data/embeddings", "pdf, web", "pdf (10 chunks, 384 dimensions, memory index)", "2.0 KiB"} {
		if !strings.Contains(buf.String(), sub) {
			t.Errorf("status output missing %q:\n%s", sub, buf.String())
		}
	}

	buf.Reset()
	if err := WriteStatus(&buf, &Status{}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "none") {
		t.Errorf("unloaded status:\n%s", buf.String())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
