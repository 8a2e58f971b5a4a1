package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/hyperjump/kotae/internal/corpus"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admissionQuery = "What are the admission deadlines?"

// admissionFixtures scores against axis 0: 0.72, 0.60, 0.55, 0.50, 0.10.
func admissionFixtures() []fixture {
	return []fixture{
		{text: "Admission applications close on March 1.", vec: unit(0.72, 0, 2)},
		{text: "The registration deadline for fall is August 15.", typ: models.SourceTypeWeb, vec: unit(0.60, 0, 2)},
		{text: "The cafeteria serves lunch at noon.", vec: unit(0.55, 0, 2)},
		{text: "Enrollment procedures are described in the handbook.", vec: unit(0.50, 0, 2)},
		{text: "Water boils at 100 degrees.", typ: models.SourceTypeGeneralKnowledge, vec: unit(0.10, 0, 2)},
	}
}

func TestEngine_Uninitialized(t *testing.T) {
	e := newEngine(t, embedding.NewMockEmbedder(4), DefaultOptions(), nil)
	_, err := e.SearchSimilarChunks(context.Background(), "anything", 5)
	assert.True(t, errors.Is(err, ErrUninitialized))
	_, err = e.ChunksBySourceType(models.SourceTypePDF)
	assert.True(t, errors.Is(err, ErrUninitialized))
	assert.False(t, e.Status().Loaded)
}

func TestEngine_KBounds(t *testing.T) {
	emb := embedding.NewStaticEmbedder(nil).WithFallback(axis(0))
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", admissionFixtures()))

	_, err := e.SearchSimilarChunks(context.Background(), admissionQuery, -1)
	assert.True(t, errors.Is(err, ErrInvalidK))

	got, err := e.SearchSimilarChunks(context.Background(), admissionQuery, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, emb.Calls(), "k=0 must not embed")
}

func TestEngine_HugeK(t *testing.T) {
	emb := embedding.NewStaticEmbedder(nil).WithFallback(axis(0))
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", admissionFixtures()))

	want, err := e.SearchSimilarChunks(context.Background(), admissionQuery, 100)
	require.NoError(t, err)
	require.NotEmpty(t, want)
	got, err := e.SearchSimilarChunks(context.Background(), admissionQuery, math.MaxInt/2)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Text(), got[i].Text())
	}
}

func TestOverfetch(t *testing.T) {
	tests := []struct {
		k, factor, size, want int
	}{
		{1, 3, 10, 3},
		{3, 3, 10, 9},
		{4, 3, 10, 10},
		{math.MaxInt / 2, 3, 10, 10},
		{math.MaxInt, 3, 10, 10},
		{2, 3, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, overfetch(tt.k, tt.factor, tt.size), "overfetch(%d, %d, %d)", tt.k, tt.factor, tt.size)
	}
}

func TestEngine_AdmissionDeadlines(t *testing.T) {
	enhanced := admissionQuery + " admission enrollment registration"
	emb := embedding.NewStaticEmbedder(map[string][]float32{enhanced: axis(0)})
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", admissionFixtures()))

	res, err := e.Search(context.Background(), &models.SearchQuery{Query: admissionQuery, K: 5})
	require.NoError(t, err)
	assert.Equal(t, enhanced, res.EnhancedQuery)
	assert.True(t, res.Related)
	assert.False(t, res.BroadSearch)
	require.Len(t, res.Results, 3)
	assertInvariants(t, res.Results, 5)

	assert.Equal(t, "Admission applications close on March 1.", res.Results[0].Text())
	assert.Equal(t, "The registration deadline for fall is August 15.", res.Results[1].Text())
	assert.Equal(t, "Enrollment procedures are described in the handbook.", res.Results[2].Text())
	for _, r := range res.Results {
		assert.Equal(t, models.ReasonUniversityRelated, r.FilteringReason)
	}
	assert.InDelta(t, 0.72, res.Results[0].RelevanceScore, 1e-6)
	assert.Equal(t, []string{enhanced}, emb.Calls())

	meta := res.Results[1].Metadata()
	assert.Equal(t, "web", meta[models.MetaType])
	assert.Equal(t, "university_related", meta[models.MetaFilteringReason])
}

func TestEngine_AnnotationsDoNotLeakIntoCorpus(t *testing.T) {
	enhanced := admissionQuery + " admission enrollment registration"
	emb := embedding.NewStaticEmbedder(map[string][]float32{enhanced: axis(0)})
	snap := buildSnapshot(t, "s", admissionFixtures())
	e := newEngine(t, emb, DefaultOptions(), snap)

	_, err := e.SearchSimilarChunks(context.Background(), admissionQuery, 5)
	require.NoError(t, err)
	for i := 0; i < snap.Corpus.Len(); i++ {
		ch, _ := snap.Corpus.At(i)
		assert.NotContains(t, ch.Metadata, models.MetaRelevanceScore)
		assert.NotContains(t, ch.Metadata, models.MetaFilteringReason)
	}
}

func TestEngine_WeatherFallsBackToBestMatches(t *testing.T) {
	q := "What's today's weather?"
	emb := embedding.NewStaticEmbedder(map[string][]float32{q: unit(0.3, 0, 1)})
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", admissionFixtures()))

	res, err := e.Search(context.Background(), &models.SearchQuery{Query: q, K: 5})
	require.NoError(t, err)
	assert.False(t, res.Related)
	assert.False(t, res.BroadSearch)
	assert.Equal(t, q, res.EnhancedQuery)
	require.Len(t, res.Results, 3)
	for i, r := range res.Results {
		assert.Equal(t, models.ReasonFallbackBestMatch, r.FilteringReason)
		assert.Less(t, r.RelevanceScore, 0.65)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Results[i-1].RelevanceScore, r.RelevanceScore)
		}
	}
	assert.Equal(t, "Admission applications close on March 1.", res.Results[0].Text())
	assert.Equal(t, 1.0, counterValue(t, e.metrics, "kotae_retrieval_fallback_total", nil))
	assert.Equal(t, 0.0, counterValue(t, e.metrics, "kotae_retrieval_broad_search_total", nil))
}

func TestEngine_UnrelatedQueryUsesStrictThreshold(t *testing.T) {
	q := "tell me a joke"
	emb := embedding.NewStaticEmbedder(map[string][]float32{q: axis(0)})
	fixtures := []fixture{
		{text: "A strong match about comedy.", vec: unit(0.7, 0, 2)},
		{text: "A weaker match about humor.", vec: unit(0.6, 0, 2)},
		{text: "Nothing related.", vec: unit(0.2, 0, 2)},
	}
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", fixtures))

	res, err := e.Search(context.Background(), &models.SearchQuery{Query: q, K: 5})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.ReasonHighRelevance, res.Results[0].FilteringReason)
	assert.False(t, res.BroadSearch, "unrelated queries never broaden")
}

func broadFixtures() []fixture {
	return []fixture{
		{text: "The library opens at 8am.", vec: axis(0)},
		{text: "Facility maintenance requests go through the portal.", vec: axis(1)},
		{text: "Building B hosts the math department.", vec: unit(0.6, 1, 2)},
		{text: "Penguins live in the southern hemisphere.", vec: axis(3)},
	}
}

func TestEngine_BroadSearch(t *testing.T) {
	q := "Where is the library?"
	enhanced := q + " facility building campus"
	emb := embedding.NewStaticEmbedder(map[string][]float32{
		enhanced:   axis(0),
		"facility": axis(1),
		"building": axis(2),
		"campus":   neg(axis(0)),
	})
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", broadFixtures()))

	res, err := e.Search(context.Background(), &models.SearchQuery{Query: q, K: 5})
	require.NoError(t, err)
	assert.True(t, res.BroadSearch)
	assertInvariants(t, res.Results, 5)
	require.Len(t, res.Results, 3)

	assert.Equal(t, "The library opens at 8am.", res.Results[0].Text())
	assert.Equal(t, models.ReasonUniversityRelated, res.Results[0].FilteringReason)
	assert.Equal(t, "Facility maintenance requests go through the portal.", res.Results[1].Text())
	assert.Equal(t, models.ReasonKeywordSearch, res.Results[1].FilteringReason)
	assert.Equal(t, "Building B hosts the math department.", res.Results[2].Text())
	assert.Equal(t, models.ReasonKeywordSearch, res.Results[2].FilteringReason)
	// first occurrence wins: found by "facility" at 0.6 before "building" at 0.8
	assert.InDelta(t, 0.6, res.Results[2].RelevanceScore, 1e-6)

	assert.Equal(t, []string{enhanced, "facility", "building", "campus"}, emb.Calls())
	assert.Equal(t, 1.0, counterValue(t, e.metrics, "kotae_retrieval_broad_search_total", nil))
	assert.Equal(t, 2.0, counterValue(t, e.metrics, "kotae_retrieval_results_total", map[string]string{"reason": "keyword_search"}))
}

func TestEngine_BroadSearchRespectsK(t *testing.T) {
	q := "Where is the library?"
	emb := embedding.NewStaticEmbedder(map[string][]float32{
		q + " facility building campus": axis(0),
		"facility":                      axis(1),
		"building":                      axis(2),
	}).WithFallback(neg(axis(0)))
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", broadFixtures()))

	got, err := e.SearchSimilarChunks(context.Background(), q, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "The library opens at 8am.", got[0].Text())
	assert.Equal(t, "Facility maintenance requests go through the portal.", got[1].Text())
}

func TestEngine_NoBroadSearchWhenEnoughResults(t *testing.T) {
	enhanced := admissionQuery + " admission enrollment registration"
	emb := embedding.NewStaticEmbedder(map[string][]float32{enhanced: axis(0)}).WithFallback(neg(axis(0)))
	opts := DefaultOptions()
	opts.MinResults = 4
	e := newEngine(t, emb, opts, buildSnapshot(t, "s", admissionFixtures()))

	res, err := e.Search(context.Background(), &models.SearchQuery{Query: admissionQuery, K: 5})
	require.NoError(t, err)
	assert.True(t, res.BroadSearch, "3 results < MinResults 4 must broaden")

	opts.MinResults = 3
	e2 := newEngine(t, emb, opts, buildSnapshot(t, "s", admissionFixtures()))
	res, err = e2.Search(context.Background(), &models.SearchQuery{Query: admissionQuery, K: 5})
	require.NoError(t, err)
	assert.False(t, res.BroadSearch)
}

func TestEngine_DedupByExactText(t *testing.T) {
	q := "tell me a joke"
	emb := embedding.NewStaticEmbedder(map[string][]float32{q: axis(0)})
	fixtures := []fixture{
		{text: "Same passage.", vec: unit(0.9, 0, 2)},
		{text: "Same passage.", typ: models.SourceTypeWeb, vec: unit(0.8, 0, 2)},
		{text: "same passage.", vec: unit(0.7, 0, 2)},
	}
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s", fixtures))
	got, err := e.SearchSimilarChunks(context.Background(), q, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.SourceTypePDF, got[0].Type(), "first occurrence wins")
	assert.Equal(t, "same passage.", got[1].Text())
}

// skewedIndex reports an extra position past the end of the corpus.
type skewedIndex struct {
	vector.Index
}

func (s skewedIndex) Search(ctx context.Context, q []float32, k int) ([]vector.Result, error) {
	res, err := s.Index.Search(ctx, q, k)
	if err != nil {
		return nil, err
	}
	return append([]vector.Result{{ID: s.Index.Size() + 7, Score: 0.99}}, res...), nil
}

func TestEngine_OutOfRangePositions(t *testing.T) {
	q := "tell me a joke"
	emb := embedding.NewStaticEmbedder(map[string][]float32{q: axis(0)})
	fixtures := []fixture{{text: "Known chunk.", vec: unit(0.9, 0, 2)}}

	snap := buildSnapshot(t, "s", fixtures)
	snap.Index = skewedIndex{Index: snap.Index}
	e := newEngine(t, emb, DefaultOptions(), snap)
	got, err := e.SearchSimilarChunks(context.Background(), q, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Known chunk.", got[0].Text())
	assert.Equal(t, 1.0, counterValue(t, e.metrics, "kotae_retrieval_index_out_of_range_total", nil))

	strict := DefaultOptions()
	strict.StrictIndexBounds = true
	snap2 := buildSnapshot(t, "s", fixtures)
	snap2.Index = skewedIndex{Index: snap2.Index}
	e2 := newEngine(t, emb, strict, snap2)
	_, err = e2.SearchSimilarChunks(context.Background(), q, 5)
	assert.True(t, errors.Is(err, ErrIndexCorpusMismatch))
}

func TestEngine_SearchValidatesQuery(t *testing.T) {
	emb := embedding.NewStaticEmbedder(nil).WithFallback(axis(0))
	opts := DefaultOptions()
	opts.MaxK = 2
	e := newEngine(t, emb, opts, buildSnapshot(t, "s", admissionFixtures()))

	_, err := e.Search(context.Background(), &models.SearchQuery{Query: ""})
	assert.Error(t, err)

	res, err := e.Search(context.Background(), &models.SearchQuery{Query: "tell me a joke", K: 10})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Results), 2)
}

func TestEngine_AccessorsReturnCopies(t *testing.T) {
	e := newEngine(t, embedding.NewMockEmbedder(4), DefaultOptions(), buildSnapshot(t, "s", admissionFixtures()))

	web, err := e.ChunksBySourceType(models.SourceTypeWeb)
	require.NoError(t, err)
	require.Len(t, web, 1)
	web[0].Metadata[models.MetaRelevanceScore] = 1.0
	again, _ := e.ChunksBySourceType(models.SourceTypeWeb)
	assert.NotContains(t, again[0].Metadata, models.MetaRelevanceScore)

	admin, err := e.ChunksByCategory("administrative")
	require.NoError(t, err)
	assert.Len(t, admin, 3)

	unknown, err := e.ChunksByCategory("astrology")
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

type mapLoader map[string]*corpus.Snapshot

func (m mapLoader) Load(_ context.Context, prefix string) (*corpus.Snapshot, bool, error) {
	s, ok := m[prefix]
	return s, ok, nil
}

func TestEngine_SwapAndReload(t *testing.T) {
	emb := embedding.NewStaticEmbedder(nil).WithFallback(axis(0))
	first := buildSnapshot(t, "first", admissionFixtures())
	e := newEngine(t, emb, DefaultOptions(), first)
	assert.Equal(t, Status{Loaded: true, Prefix: "first", Chunks: 5, Dimensions: 4, IndexType: "memory"}, e.Status())

	second := buildSnapshot(t, "second", broadFixtures())
	require.NoError(t, e.Reload(context.Background(), mapLoader{"second": second}, "second"))
	assert.Equal(t, "second", e.Status().Prefix)
	assert.True(t, first.Index.(*trackedIndex).closed.Load(), "retired snapshot must be closed")

	err := e.Reload(context.Background(), mapLoader{}, "missing")
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
	assert.Equal(t, "second", e.Status().Prefix, "failed reload keeps the active snapshot")

	bad := buildSnapshot(t, "bad", broadFixtures())
	bad.Corpus = corpus.Concat()
	assert.True(t, errors.Is(e.Swap(bad), corpus.ErrMisaligned))

	require.NoError(t, e.Close())
	_, err = e.SearchSimilarChunks(context.Background(), "x", 1)
	assert.True(t, errors.Is(err, ErrUninitialized))
}

func TestEngine_ConcurrentQueriesDuringSwaps(t *testing.T) {
	emb := embedding.NewStaticEmbedder(nil).WithFallback(axis(0))
	e := newEngine(t, emb, DefaultOptions(), buildSnapshot(t, "s0", admissionFixtures()))

	var wg sync.WaitGroup
	errs := make(chan error, 400)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got, err := e.SearchSimilarChunks(context.Background(), admissionQuery, 3)
				if err != nil {
					errs <- err
					return
				}
				if len(got) == 0 || len(got) > 3 {
					errs <- fmt.Errorf("unexpected result size %d", len(got))
					return
				}
			}
		}()
	}
	for i := 1; i <= 20; i++ {
		require.NoError(t, e.Swap(buildSnapshot(t, fmt.Sprintf("s%d", i), admissionFixtures())))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestEngine_SameResultsAfterSaveLoad(t *testing.T) {
	ctx := context.Background()
	mock := embedding.NewMockEmbedder(16)
	repo := storage.NewRepository(t.TempDir(), "memory", mock, 8, nil)
	chunks := make([]*models.Chunk, 0, 12)
	for i := 0; i < 12; i++ {
		chunks = append(chunks, &models.Chunk{
			Text:     fmt.Sprintf("Registration step %d for the admission process", i),
			Metadata: map[string]interface{}{models.MetaType: "pdf", models.MetaSource: "handbook.pdf"},
		})
	}
	built, err := repo.Build(ctx, "pdf", chunks)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, built))
	loaded, ok, err := repo.Load(ctx, "pdf")
	require.NoError(t, err)
	require.True(t, ok)

	before := newEngine(t, mock, DefaultOptions(), built)
	after := newEngine(t, mock, DefaultOptions(), loaded)
	q := "Registration step 4 for the admission process"
	want, err := before.SearchSimilarChunks(ctx, q, 5)
	require.NoError(t, err)
	got, err := after.SearchSimilarChunks(ctx, q, 5)
	require.NoError(t, err)
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Text(), got[i].Text())
		assert.Equal(t, want[i].FilteringReason, got[i].FilteringReason)
		assert.InDelta(t, want[i].RelevanceScore, got[i].RelevanceScore, 1e-6)
	}
}
