package retrieval

import (
	"sort"

	"github.com/hyperjump/kotae/internal/domain"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

// Candidate is an index hit mapped to its corpus chunk, before filtering.
type Candidate struct {
	Position int
	Chunk    *models.Chunk
	// Score is the raw similarity returned by the index.
	Score float64
	// lower is the lowercased chunk text.
	lower string
}

// Filter decides which candidates of one query are kept.
type Filter struct {
	// DynamicThreshold is the lenient floor for institution-related queries.
	DynamicThreshold float64
	// RelevanceThreshold is the strict floor, and the only floor for unrelated queries.
	RelevanceThreshold float64
	// FallbackResults is how many best candidates are kept when none pass.
	FallbackResults int
}

// Apply returns the accepted candidates in input order, annotated with a score and reason.
// keywords must be the lowercased output of Classifier.ExtractKeywords for the query.
// When nothing passes but candidates exist, the FallbackResults best candidates are
// returned with ReasonFallbackBestMatch and fallback is true.
func (f Filter) Apply(candidates []Candidate, related bool, keywords []string) (accepted []*models.RetrievedChunk, fallback bool) {
	accepted = make([]*models.RetrievedChunk, 0, len(candidates))
	for _, c := range candidates {
		if related {
			if c.Score >= f.DynamicThreshold &&
				(domain.ContainsAnyKeyword(c.lower, keywords) || c.Score >= f.RelevanceThreshold) {
				accepted = append(accepted, annotate(c, models.ReasonUniversityRelated))
			}
			continue
		}
		if c.Score >= f.RelevanceThreshold {
			accepted = append(accepted, annotate(c, models.ReasonHighRelevance))
		}
	}
	if len(accepted) > 0 || len(candidates) == 0 {
		return accepted, false
	}

	best := make([]Candidate, len(candidates))
	copy(best, candidates)
	sort.SliceStable(best, func(i, j int) bool { return best[i].Score > best[j].Score })
	n := f.FallbackResults
	if n > len(best) {
		n = len(best)
	}
	for _, c := range best[:n] {
		accepted = append(accepted, annotate(c, models.ReasonFallbackBestMatch))
	}
	return accepted, true
}

func annotate(c Candidate, reason models.FilteringReason) *models.RetrievedChunk {
	return models.NewRetrievedChunk(c.Chunk, vector.ClampUnit(c.Score), reason)
}
