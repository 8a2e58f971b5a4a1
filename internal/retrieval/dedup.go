package retrieval

import "github.com/hyperjump/kotae/internal/models"

// DedupLimit drops every chunk whose exact text was already seen and stops at k results.
// The first occurrence wins, so earlier stages take precedence over later ones.
func DedupLimit(chunks []*models.RetrievedChunk, k int) []*models.RetrievedChunk {
	if k <= 0 {
		return []*models.RetrievedChunk{}
	}
	out := make([]*models.RetrievedChunk, 0, min(k, len(chunks)))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		text := c.Text()
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, c)
		if len(out) >= k {
			break
		}
	}
	return out
}
