// Package cli renders kotae results for the command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/pkg/utils"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
	// OutputCompact prints one tab-separated line per result.
	OutputCompact SearchOutputFormat = "compact"
)

const previewRunes = 200

// WriteSearchResults writes search results to w in the given format.
// Unknown formats are written as text.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%.4f\t%s\t%s\t%s\t%s\n",
				r.RelevanceScore, r.FilteringReason, r.Type(), r.Source(), oneLine(r.Text(), previewRunes))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms\n", response.Total, response.QueryTime)
	if response.EnhancedQuery != "" && response.EnhancedQuery != response.Query {
		fmt.Fprintf(w, "Enhanced query: %s\n", response.EnhancedQuery)
	}
	if response.BroadSearch {
		fmt.Fprintln(w, "Broad keyword search was used")
	}
	fmt.Fprintln(w)
	for i, r := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "[%d] Score: %.4f | Reason: %s", i+1, r.RelevanceScore, r.FilteringReason)
		if r.FilteringReason.LowConfidence() {
			fmt.Fprint(w, " (low confidence)")
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Type: %s | Source: %s\n", r.Type(), r.Source())
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Text(), previewRunes))
	}
}

// WriteChunks writes corpus chunks as JSON or, for any other format, as text previews.
func WriteChunks(w io.Writer, chunks []*models.Chunk, format SearchOutputFormat) error {
	if format == OutputJSON {
		if chunks == nil {
			chunks = []*models.Chunk{}
		}
		return writeJSON(w, chunks)
	}
	fmt.Fprintf(w, "%d chunks\n", len(chunks))
	for i, ch := range chunks {
		fmt.Fprintf(w, "%4d  %-18s %-24s %s\n", i, ch.Type(), utils.Truncate(ch.Source(), 24), oneLine(ch.Text, 80))
	}
	return nil
}

// Status is what the status command reports.
type Status struct {
	Snapshot  retrieval.Status `json:"snapshot"`
	Snapshots []string         `json:"snapshots"`
	DiskUsage int64            `json:"disk_usage_bytes"`
	Dir       string           `json:"embeddings_dir"`
}

// WriteStatus writes st as JSON or text.
func WriteStatus(w io.Writer, st *Status, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Embeddings dir: %s\n", st.Dir)
	fmt.Fprintf(w, "Snapshots:      %s\n", strings.Join(st.Snapshots, ", "))
	if !st.Snapshot.Loaded {
		fmt.Fprintln(w, "Active:         none")
		return nil
	}
	fmt.Fprintf(w, "Active:         %s (%d chunks, %d dimensions, %s index)\n",
		st.Snapshot.Prefix, st.Snapshot.Chunks, st.Snapshot.Dimensions, st.Snapshot.IndexType)
	fmt.Fprintf(w, "Disk usage:     %s\n", FormatBytes(st.DiskUsage))
	return nil
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// oneLine collapses whitespace so a preview fits on one line.
func oneLine(s string, maxRunes int) string {
	return utils.Truncate(strings.Join(strings.Fields(s), " "), maxRunes)
}
