// Package retrieval turns a natural-language query into a short, relevance-filtered list of
// corpus chunks: enhance, embed, search, filter, optionally broaden, then dedup and limit.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/corpus"
	"github.com/hyperjump/kotae/internal/domain"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrUninitialized is returned when no snapshot has been loaded.
	ErrUninitialized = errors.New("index or chunks not loaded")
	// ErrInvalidK is returned for a negative result count.
	ErrInvalidK = errors.New("k must not be negative")
	// ErrIndexCorpusMismatch is returned in strict mode when the index yields a position
	// with no chunk.
	ErrIndexCorpusMismatch = errors.New("index returned a position outside the corpus")
	// ErrSnapshotNotFound is returned by Reload when the prefix has no saved snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Options is the retrieval policy.
type Options struct {
	DynamicThreshold    float64
	RelevanceThreshold  float64
	KeywordThreshold    float64
	OverfetchFactor     int
	MinResults          int
	FallbackResults     int
	BroadSearchKeywords int
	DefaultK            int
	MaxK                int
	StrictIndexBounds   bool
}

// DefaultOptions returns the standard policy.
func DefaultOptions() Options {
	return Options{
		DynamicThreshold:    0.45,
		RelevanceThreshold:  0.65,
		KeywordThreshold:    0.4,
		OverfetchFactor:     3,
		MinResults:          3,
		FallbackResults:     3,
		BroadSearchKeywords: 3,
		DefaultK:            5,
		MaxK:                50,
	}
}

// OptionsFromConfig maps the retrieval config section onto Options.
func OptionsFromConfig(cfg config.RetrievalConfig) Options {
	return Options{
		DynamicThreshold:    cfg.DynamicThreshold,
		RelevanceThreshold:  cfg.RelevanceThreshold,
		KeywordThreshold:    cfg.KeywordSearchThreshold,
		OverfetchFactor:     cfg.OverfetchFactor,
		MinResults:          cfg.MinResults,
		FallbackResults:     cfg.FallbackResults,
		BroadSearchKeywords: cfg.BroadSearchKeywords,
		DefaultK:            cfg.DefaultK,
		MaxK:                cfg.MaxK,
		StrictIndexBounds:   cfg.StrictIndexBounds,
	}
}

// Loader loads a saved snapshot; storage.Repository implements it.
type Loader interface {
	Load(ctx context.Context, prefix string) (*corpus.Snapshot, bool, error)
}

// pinnedSnapshot guards a snapshot while queries use it. Swap takes the write lock before
// closing the index, so it waits for in-flight queries.
type pinnedSnapshot struct {
	snap    *corpus.Snapshot
	mu      sync.RWMutex
	retired bool
}

// Engine answers retrieval queries against the active snapshot. Safe for concurrent use.
type Engine struct {
	classifier *domain.Classifier
	embedder   embedding.Embedder
	opts       Options
	filter     Filter
	logger     *zap.Logger
	metrics    *Metrics

	current atomic.Pointer[pinnedSnapshot]
	swapMu  sync.Mutex
}

// NewEngine creates an engine with no snapshot. Queries fail with ErrUninitialized until
// Swap or Reload succeeds. logger and metrics may be nil.
func NewEngine(classifier *domain.Classifier, embedder embedding.Embedder, opts Options, logger *zap.Logger, metrics *Metrics) *Engine {
	def := DefaultOptions()
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = def.OverfetchFactor
	}
	if opts.FallbackResults <= 0 {
		opts.FallbackResults = def.FallbackResults
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = def.DefaultK
	}
	return &Engine{
		classifier: classifier,
		embedder:   embedder,
		opts:       opts,
		filter: Filter{
			DynamicThreshold:   opts.DynamicThreshold,
			RelevanceThreshold: opts.RelevanceThreshold,
			FallbackResults:    opts.FallbackResults,
		},
		logger:  utils.OrNop(logger),
		metrics: metrics,
	}
}

// Classifier returns the engine's domain classifier.
func (e *Engine) Classifier() *domain.Classifier {
	return e.classifier
}

// Swap makes snap the active snapshot and closes the previous one once no query uses it.
func (e *Engine) Swap(snap *corpus.Snapshot) error {
	if err := snap.Validate(); err != nil {
		e.metrics.reloadFailed()
		return err
	}
	if d := snap.Index.Dimensions(); snap.Index.Size() > 0 && e.embedder != nil && e.embedder.Dimensions() > 0 && d != e.embedder.Dimensions() {
		e.metrics.reloadFailed()
		return fmt.Errorf("snapshot %s has dimension %d, embedder produces %d", snap.Name, d, e.embedder.Dimensions())
	}
	e.swapMu.Lock()
	defer e.swapMu.Unlock()

	old := e.current.Swap(&pinnedSnapshot{snap: snap})
	e.metrics.swapped(snap.Corpus.Len())
	e.logger.Info("snapshot activated", zap.String("prefix", snap.Name), zap.Int("chunks", snap.Corpus.Len()))
	if old != nil {
		old.mu.Lock()
		old.retired = true
		if err := old.snap.Close(); err != nil {
			e.logger.Warn("failed to close retired snapshot", zap.String("prefix", old.snap.Name), zap.Error(err))
		}
		old.mu.Unlock()
	}
	return nil
}

// Reload loads prefix through loader and swaps it in.
func (e *Engine) Reload(ctx context.Context, loader Loader, prefix string) error {
	snap, ok, err := loader.Load(ctx, prefix)
	if err != nil {
		e.metrics.reloadFailed()
		return err
	}
	if !ok {
		e.metrics.reloadFailed()
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, prefix)
	}
	if err := e.Swap(snap); err != nil {
		_ = snap.Close()
		return err
	}
	return nil
}

// Close retires and closes the active snapshot.
func (e *Engine) Close() error {
	e.swapMu.Lock()
	defer e.swapMu.Unlock()
	old := e.current.Swap(nil)
	if old == nil {
		return nil
	}
	old.mu.Lock()
	defer old.mu.Unlock()
	old.retired = true
	return old.snap.Close()
}

// acquire returns the active snapshot read-locked, or nil when none is loaded.
// The caller must call release.
func (e *Engine) acquire() *pinnedSnapshot {
	for {
		p := e.current.Load()
		if p == nil {
			return nil
		}
		p.mu.RLock()
		if !p.retired {
			return p
		}
		p.mu.RUnlock()
	}
}

func (p *pinnedSnapshot) release() {
	p.mu.RUnlock()
}

// Status describes the active snapshot.
type Status struct {
	Loaded     bool   `json:"loaded"`
	Prefix     string `json:"prefix,omitempty"`
	Chunks     int    `json:"chunks"`
	Dimensions int    `json:"dimensions"`
	IndexType  string `json:"index_type,omitempty"`
}

// Status reports what is currently served.
func (e *Engine) Status() Status {
	p := e.acquire()
	if p == nil {
		return Status{}
	}
	defer p.release()
	return Status{
		Loaded:     true,
		Prefix:     p.snap.Name,
		Chunks:     p.snap.Corpus.Len(),
		Dimensions: p.snap.Index.Dimensions(),
		IndexType:  string(p.snap.Index.Type()),
	}
}

// SearchSimilarChunks returns at most k distinct chunks relevant to query, each annotated
// with a relevance score in [0, 1] and the reason it was kept.
func (e *Engine) SearchSimilarChunks(ctx context.Context, query string, k int) ([]*models.RetrievedChunk, error) {
	res, err := e.search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

// Search validates q and runs the retrieval, reporting the enhanced query, relatedness,
// whether broad search ran and the elapsed time.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	if err := q.Validate(e.opts.DefaultK, e.opts.MaxK); err != nil {
		return nil, err
	}
	return e.search(ctx, q.Query, q.K)
}

func (e *Engine) search(ctx context.Context, query string, k int) (*models.SearchResponse, error) {
	start := time.Now()
	related := e.classifier.IsRelated(query)
	res, err := e.run(ctx, query, related, k)
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.observeQuery(related, "error", nil, elapsed)
		return nil, err
	}
	e.metrics.observeQuery(related, "ok", res.Results, elapsed)
	res.QueryTime = elapsed.Milliseconds()
	e.logger.Debug("retrieval completed",
		zap.String("query", query),
		zap.String("enhanced_query", res.EnhancedQuery),
		zap.Bool("related", related),
		zap.Bool("broad_search", res.BroadSearch),
		zap.Int("results", len(res.Results)),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, query string, related bool, k int) (*models.SearchResponse, error) {
	if k < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	p := e.acquire()
	if p == nil {
		return nil, ErrUninitialized
	}
	defer p.release()

	res := &models.SearchResponse{
		Query:         query,
		EnhancedQuery: query,
		Related:       related,
		Results:       []*models.RetrievedChunk{},
	}
	if k == 0 {
		return res, nil
	}

	enhanced := e.classifier.Enhance(query)
	res.EnhancedQuery = enhanced
	vec, err := e.embedder.Embed(ctx, enhanced)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec = utils.NormalizedCopy(vec)

	candidates, err := e.candidates(ctx, p.snap, vec, overfetch(k, e.opts.OverfetchFactor, p.snap.Corpus.Len()))
	if err != nil {
		return nil, err
	}

	keywords := e.classifier.ExtractKeywords(query)
	relevant, fallback := e.filter.Apply(candidates, related, keywords)
	if fallback {
		e.metrics.fallback()
	}

	if len(relevant) < e.opts.MinResults && related {
		e.logger.Info("limited results, trying broader search",
			zap.String("query", query),
			zap.Int("results", len(relevant)),
		)
		e.metrics.broadSearch()
		res.BroadSearch = true
		broader, err := e.broadSearch(ctx, p.snap, keywords, k)
		if err != nil {
			return nil, err
		}
		relevant = append(relevant, broader...)
	}

	res.Results = DedupLimit(relevant, k)
	res.Total = len(res.Results)
	return res, nil
}

// candidates searches the index and maps hit positions to chunks. Positions outside the
// corpus are skipped, or fail the call when StrictIndexBounds is set.
func (e *Engine) candidates(ctx context.Context, snap *corpus.Snapshot, vec []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := snap.Index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		ch, ok := snap.Corpus.At(h.ID)
		if !ok {
			if e.opts.StrictIndexBounds {
				return nil, fmt.Errorf("%w: position %d, corpus size %d", ErrIndexCorpusMismatch, h.ID, snap.Corpus.Len())
			}
			e.metrics.outOfRange()
			e.logger.Warn("index returned position outside corpus",
				zap.String("prefix", snap.Name),
				zap.Int("position", h.ID),
				zap.Int("corpus_size", snap.Corpus.Len()),
			)
			continue
		}
		out = append(out, Candidate{Position: h.ID, Chunk: ch, Score: h.Score, lower: snap.Corpus.LowerText(h.ID)})
	}
	return out, nil
}

// ChunksBySourceType returns copies of the active corpus chunks of type t.
func (e *Engine) ChunksBySourceType(t models.SourceType) ([]*models.Chunk, error) {
	p := e.acquire()
	if p == nil {
		return nil, ErrUninitialized
	}
	defer p.release()
	return p.snap.Corpus.BySourceType(t), nil
}

// ChunksByCategory returns copies of the active corpus chunks mentioning any keyword of
// the named category. Unknown categories yield an empty list.
func (e *Engine) ChunksByCategory(name string) ([]*models.Chunk, error) {
	p := e.acquire()
	if p == nil {
		return nil, ErrUninitialized
	}
	defer p.release()
	return p.snap.Corpus.ByCategory(e.classifier, name), nil
}

// overfetch returns min(k*factor, size) without overflowing for large k.
func overfetch(k, factor, size int) int {
	if k > size/factor {
		return size
	}
	return min(k*factor, size)
}
