package retrieval

import (
	"context"
	"fmt"

	"github.com/hyperjump/kotae/internal/corpus"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

// broadSearch embeds each of the first BroadSearchKeywords keywords on its own and keeps
// hits scoring at least KeywordThreshold. Results are concatenated without dedup.
func (e *Engine) broadSearch(ctx context.Context, snap *corpus.Snapshot, keywords []string, k int) ([]*models.RetrievedChunk, error) {
	n := e.opts.BroadSearchKeywords
	if n > len(keywords) {
		n = len(keywords)
	}
	searchK := k
	if size := snap.Corpus.Len(); searchK > size {
		searchK = size
	}
	var out []*models.RetrievedChunk
	for _, kw := range keywords[:n] {
		vec, err := e.embedder.Embed(ctx, kw)
		if err != nil {
			return nil, fmt.Errorf("embed keyword %q: %w", kw, err)
		}
		cands, err := e.candidates(ctx, snap, utils.NormalizedCopy(vec), searchK)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if c.Score >= e.opts.KeywordThreshold {
				out = append(out, annotate(c, models.ReasonKeywordSearch))
			}
		}
	}
	return out, nil
}
