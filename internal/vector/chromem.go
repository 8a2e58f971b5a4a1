package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"gopkg.in/yaml.v3"
)

const chromemCollection = "chunks"

var errChromemTextQuery = errors.New("chromem index only accepts precomputed embeddings")

// ChromemIndex stores vectors in an embedded chromem-go collection. Document ids are
// the decimal insertion positions.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimensions int
	mu         sync.RWMutex
}

type chromemMeta struct {
	Dimensions int `yaml:"dimensions"`
	Count      int `yaml:"count"`
}

// NewChromemIndex creates an empty in-memory chromem collection.
func NewChromemIndex(dimensions int) (*ChromemIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(chromemCollection, nil, rejectTextQuery)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &ChromemIndex{db: db, collection: col, dimensions: dimensions}, nil
}

// OpenChromemIndex imports a collection exported by Save.
func OpenChromemIndex(base string) (*ChromemIndex, error) {
	path := FilePath(IndexTypeChromem, base)
	data, err := os.ReadFile(path + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("read chromem metadata: %w", err)
	}
	var meta chromemMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse chromem metadata: %w", err)
	}
	if meta.Dimensions <= 0 {
		return nil, fmt.Errorf("chromem metadata has invalid dimensions %d", meta.Dimensions)
	}
	db := chromem.NewDB()
	if err := db.ImportFromFile(path, ""); err != nil {
		return nil, fmt.Errorf("import chromem index: %w", err)
	}
	col := db.GetCollection(chromemCollection, rejectTextQuery)
	if col == nil {
		return nil, fmt.Errorf("chromem index %s has no %q collection", path, chromemCollection)
	}
	if col.Count() != meta.Count {
		return nil, fmt.Errorf("chromem index has %d vectors, metadata says %d", col.Count(), meta.Count)
	}
	return &ChromemIndex{db: db, collection: col, dimensions: meta.Dimensions}, nil
}

func rejectTextQuery(context.Context, string) ([]float32, error) {
	return nil, errChromemTextQuery
}

// Add appends vectors in order.
func (c *ChromemIndex) Add(ctx context.Context, vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != c.dimensions {
			return fmt.Errorf("%w: vector %d has %d, expected %d", ErrDimensionMismatch, i, len(v), c.dimensions)
		}
	}
	if len(vectors) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.collection.Count()
	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		vec := make([]float32, len(v))
		copy(vec, v)
		docs[i] = chromem.Document{ID: strconv.Itoa(start + i), Embedding: vec}
	}
	if err := c.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add chromem documents: %w", err)
	}
	return nil
}

// Search returns the top-k vectors by cosine similarity, ties by position.
func (c *ChromemIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != c.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), c.dimensions)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.collection.Count()
	if k <= 0 || n == 0 {
		return nil, nil
	}
	// chromem requires nResults <= collection size
	if k > n {
		k = n
	}
	hits, err := c.collection.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query chromem collection: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		id, err := strconv.Atoi(h.ID)
		if err != nil {
			return nil, fmt.Errorf("chromem document id %q is not a position: %w", h.ID, err)
		}
		results = append(results, Result{ID: id, Score: float64(h.Similarity)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Save exports the collection to FilePath(chromem, base) with a YAML sidecar holding the dimension.
func (c *ChromemIndex) Save(base string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path := FilePath(IndexTypeChromem, base)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	meta, err := yaml.Marshal(chromemMeta{Dimensions: c.dimensions, Count: c.collection.Count()})
	if err != nil {
		return fmt.Errorf("marshal chromem metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := c.db.ExportToFile(tmp, false, "", chromemCollection); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("export chromem index: %w", err)
	}
	if err := os.WriteFile(path+".yaml", meta, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write chromem metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// Size returns the number of vectors.
func (c *ChromemIndex) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collection.Count()
}

// Dimensions returns the vector width.
func (c *ChromemIndex) Dimensions() int {
	return c.dimensions
}

// Type returns the index type identifier.
func (c *ChromemIndex) Type() IndexType {
	return IndexTypeChromem
}

// Close is a no-op; the collection lives in memory.
func (c *ChromemIndex) Close() error {
	return nil
}
