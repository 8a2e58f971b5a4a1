// Package storage persists snapshots as a pair of files per prefix: a SQLite chunk list
// and a vector index blob, both under one embeddings directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hyperjump/kotae/internal/corpus"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/hyperjump/kotae/pkg/utils"
	"go.uber.org/zap"
)

const (
	chunksSuffix = "_chunks.db"
	indexSuffix  = "_index"
)

var (
	// ErrSourceMissing is returned by Combine when a source prefix has no chunk list.
	ErrSourceMissing = errors.New("source snapshot missing")
	// ErrEmptyCorpus is returned when building a snapshot from no chunks.
	ErrEmptyCorpus = errors.New("no chunks to index")
	// ErrInvalidPrefix is returned for prefixes that cannot name a file in the embeddings directory.
	ErrInvalidPrefix = errors.New("invalid snapshot prefix")
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidatePrefix rejects prefixes other than letters, digits, underscores and hyphens,
// which keeps every snapshot file inside the embeddings directory.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	return nil
}

// Repository saves, loads, builds and combines snapshots in one directory.
type Repository struct {
	dir       string
	indexType vector.IndexType
	embedder  embedding.Embedder
	batchSize int
	logger    *zap.Logger
}

// NewRepository returns a repository rooted at dir. embedder is only needed by Build and Combine.
func NewRepository(dir, indexType string, embedder embedding.Embedder, batchSize int, logger *zap.Logger) *Repository {
	if indexType == "" {
		indexType = string(vector.IndexTypeMemory)
	}
	return &Repository{
		dir:       dir,
		indexType: vector.IndexType(indexType),
		embedder:  embedder,
		batchSize: batchSize,
		logger:    utils.OrNop(logger),
	}
}

// Dir returns the embeddings directory.
func (r *Repository) Dir() string {
	return r.dir
}

// ChunksPath returns the chunk list file for prefix.
func (r *Repository) ChunksPath(prefix string) string {
	return filepath.Join(r.dir, prefix+chunksSuffix)
}

// IndexPath returns the index blob file for prefix.
func (r *Repository) IndexPath(prefix string) string {
	return vector.FilePath(r.indexType, r.indexBase(prefix))
}

func (r *Repository) indexBase(prefix string) string {
	return filepath.Join(r.dir, prefix+indexSuffix)
}

// Paths returns every file that belongs to prefix.
func (r *Repository) Paths(prefix string) []string {
	paths := []string{r.ChunksPath(prefix), r.IndexPath(prefix)}
	if r.indexType == vector.IndexTypeChromem {
		paths = append(paths, r.IndexPath(prefix)+".yaml")
	}
	return paths
}

// Exists reports whether both files of prefix are present.
func (r *Repository) Exists(prefix string) bool {
	if ValidatePrefix(prefix) != nil {
		return false
	}
	return fileExists(r.ChunksPath(prefix)) && fileExists(r.IndexPath(prefix))
}

// List returns the prefixes with a complete pair in the directory, sorted.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read embeddings dir: %w", err)
	}
	var prefixes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunksSuffix) {
			continue
		}
		prefix := strings.TrimSuffix(name, chunksSuffix)
		if r.Exists(prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

// PrefixOf returns the snapshot prefix a file in the embeddings directory belongs to.
// Temp files and unrelated names report false.
func PrefixOf(name string) (string, bool) {
	name = filepath.Base(name)
	if strings.HasSuffix(name, chunksSuffix) {
		prefix := strings.TrimSuffix(name, chunksSuffix)
		return prefix, prefix != ""
	}
	i := strings.LastIndex(name, indexSuffix+".")
	if i <= 0 {
		return "", false
	}
	switch name[i+len(indexSuffix):] {
	case ".vec", ".faiss", ".chromem", ".chromem.yaml":
		return name[:i], true
	}
	return "", false
}

// Save writes snap under snap.Name. Both files are written into a staging directory
// first and moved into place only when both succeeded, so a failed save leaves the
// previous pair untouched. The chunk list is moved last.
func (r *Repository) Save(ctx context.Context, snap *corpus.Snapshot) error {
	if err := ValidatePrefix(snap.Name); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create embeddings dir: %w", err)
	}
	staging, err := os.MkdirTemp(r.dir, ".staging-"+snap.Name+"-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir for %s: %w", snap.Name, err)
	}
	defer os.RemoveAll(staging)

	stage := &Repository{dir: staging, indexType: r.indexType}
	if err := snap.Index.Save(stage.indexBase(snap.Name)); err != nil {
		return fmt.Errorf("failed to save index %s: %w", snap.Name, err)
	}
	if err := WriteChunks(ctx, stage.ChunksPath(snap.Name), snap.Name, snap.Corpus.Chunks()); err != nil {
		return fmt.Errorf("failed to save chunks %s: %w", snap.Name, err)
	}
	from, to := stage.Paths(snap.Name), r.Paths(snap.Name)
	for i := len(from) - 1; i >= 0; i-- {
		if err := os.Rename(from[i], to[i]); err != nil {
			return fmt.Errorf("failed to publish %s: %w", filepath.Base(to[i]), err)
		}
	}
	r.logger.Info("snapshot saved",
		zap.String("prefix", snap.Name),
		zap.Int("chunks", snap.Corpus.Len()),
		zap.String("index_type", string(r.indexType)),
	)
	return nil
}

// Load reads the snapshot saved under prefix. When either file is missing it returns
// ok=false and no error.
func (r *Repository) Load(ctx context.Context, prefix string) (*corpus.Snapshot, bool, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, false, err
	}
	if !r.Exists(prefix) {
		return nil, false, nil
	}
	chunks, err := ReadChunks(ctx, r.ChunksPath(prefix))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load chunks %s: %w", prefix, err)
	}
	c, err := corpus.New(chunks)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load chunks %s: %w", prefix, err)
	}
	idx, err := vector.Open(string(r.indexType), r.indexBase(prefix))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load index %s: %w", prefix, err)
	}
	snap := &corpus.Snapshot{Name: prefix, Corpus: c, Index: idx}
	if err := snap.Validate(); err != nil {
		_ = idx.Close()
		return nil, false, err
	}
	r.logger.Debug("snapshot loaded", zap.String("prefix", prefix), zap.Int("chunks", c.Len()))
	return snap, true, nil
}

// Build embeds chunks in batches and returns an unsaved snapshot named name.
func (r *Repository) Build(ctx context.Context, name string, chunks []*models.Chunk) (*corpus.Snapshot, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyCorpus
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("build %s: no embedder configured", name)
	}
	c, err := corpus.New(chunks)
	if err != nil {
		return nil, err
	}
	return r.buildFrom(ctx, name, c)
}

func (r *Repository) buildFrom(ctx context.Context, name string, c *corpus.Corpus) (*corpus.Snapshot, error) {
	vecs, err := embedding.EmbedInBatches(ctx, r.embedder, c.Texts(), r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	for _, v := range vecs {
		utils.NormalizeL2(v)
	}
	idx, err := vector.New(string(r.indexType), len(vecs[0]))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	if err := idx.Add(ctx, vecs); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	r.logger.Info("snapshot built",
		zap.String("prefix", name),
		zap.Int("chunks", c.Len()),
		zap.Int("dimensions", idx.Dimensions()),
	)
	return &corpus.Snapshot{Name: name, Corpus: c, Index: idx}, nil
}

// Combine concatenates the chunk lists of prefixes in order, rebuilds the embeddings and
// saves the result under target. Every source is checked before anything is written.
func (r *Repository) Combine(ctx context.Context, prefixes []string, target string) (*corpus.Snapshot, error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("%w: no sources given", ErrSourceMissing)
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("combine: no embedder configured")
	}
	if err := ValidatePrefix(target); err != nil {
		return nil, err
	}
	for _, p := range prefixes {
		if err := ValidatePrefix(p); err != nil {
			return nil, err
		}
		if !fileExists(r.ChunksPath(p)) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, p)
		}
	}
	parts := make([]*corpus.Corpus, 0, len(prefixes))
	for _, p := range prefixes {
		chunks, err := ReadChunks(ctx, r.ChunksPath(p))
		if err != nil {
			return nil, fmt.Errorf("combine: read %s: %w", p, err)
		}
		c, err := corpus.New(chunks)
		if err != nil {
			return nil, fmt.Errorf("combine: read %s: %w", p, err)
		}
		parts = append(parts, c)
	}
	combined := corpus.Concat(parts...)
	if combined.Len() == 0 {
		return nil, ErrEmptyCorpus
	}
	snap, err := r.buildFrom(ctx, target, combined)
	if err != nil {
		return nil, err
	}
	if err := r.Save(ctx, snap); err != nil {
		_ = snap.Close()
		return nil, err
	}
	r.logger.Info("snapshots combined", zap.Strings("sources", prefixes), zap.String("target", target))
	return snap, nil
}

// DiskUsage returns the bytes used by prefix's files.
func (r *Repository) DiskUsage(prefix string) (int64, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return 0, err
	}
	return fileBytes(r.Paths(prefix)...)
}

// Usage returns the bytes used per snapshot prefix in the embeddings directory.
func (r *Repository) Usage() (map[string]int64, error) {
	return UsageByPrefix(r.dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
