// Package config provides configuration loading and structs for the kotae server and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/kotae/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Domain    DomainConfig    `yaml:"domain"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RateLimit is the sustained requests per second for the API; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// StorageConfig holds where persisted snapshots live and which one is served.
type StorageConfig struct {
	EmbeddingsDir string `yaml:"embeddings_dir"`
	Prefix        string `yaml:"prefix"`
	IndexType     string `yaml:"index_type"`
	// Watch reloads the active prefix when its files change on disk.
	Watch bool `yaml:"watch"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	// Provider is one of mock, onnx, fastembed, ollama.
	Provider   string        `yaml:"provider"`
	ModelPath  string        `yaml:"model_path"`
	Model      string        `yaml:"model"`
	CacheDir   string        `yaml:"cache_dir"`
	Dimensions int           `yaml:"dimensions"`
	MaxTokens  int           `yaml:"max_tokens"`
	Pooling    string        `yaml:"pooling"` // onnx only: mean, cls or none
	CacheSize  int           `yaml:"cache_size"`
	BatchSize  int           `yaml:"batch_size"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds the relevance policy.
type RetrievalConfig struct {
	DynamicThreshold       float64 `yaml:"dynamic_threshold"`
	RelevanceThreshold     float64 `yaml:"relevance_threshold"`
	KeywordSearchThreshold float64 `yaml:"keyword_search_threshold"`
	OverfetchFactor        int     `yaml:"overfetch_factor"`
	MinResults             int     `yaml:"min_results"`
	FallbackResults        int     `yaml:"fallback_results"`
	BroadSearchKeywords    int     `yaml:"broad_search_keywords"`
	DefaultK               int     `yaml:"default_k"`
	MaxK                   int     `yaml:"max_k"`
	// StrictIndexBounds fails a query when the index returns a position outside the corpus.
	StrictIndexBounds bool `yaml:"strict_index_bounds"`
}

// DomainConfig holds the topic categories used to classify and enhance queries.
type DomainConfig struct {
	Categories       []domain.Category `yaml:"categories"`
	GenericTerms     []string          `yaml:"generic_terms"`
	TermsPerCategory int               `yaml:"terms_per_category"`
	MaxEnhanceTerms  int               `yaml:"max_enhance_terms"`
}

// Classifier builds the domain classifier described by the config.
func (d *DomainConfig) Classifier() (*domain.Classifier, error) {
	return domain.NewClassifier(d.Categories, d.GenericTerms, domain.Options{
		TermsPerCategory: d.TermsPerCategory,
		MaxEnhanceTerms:  d.MaxEnhanceTerms,
	})
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.EmbeddingsDir = expandPath(cfg.Storage.EmbeddingsDir, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Embedding.CacheDir != "" {
		cfg.Embedding.CacheDir = expandPath(cfg.Embedding.CacheDir, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	r := c.Retrieval
	for name, v := range map[string]float64{
		"dynamic_threshold":        r.DynamicThreshold,
		"relevance_threshold":      r.RelevanceThreshold,
		"keyword_search_threshold": r.KeywordSearchThreshold,
	} {
		if v < -1 || v > 1 {
			return fmt.Errorf("%w: retrieval.%s must be within [-1, 1], got %v", ErrInvalidConfig, name, v)
		}
	}
	if r.DynamicThreshold > r.RelevanceThreshold {
		return fmt.Errorf("%w: retrieval.dynamic_threshold (%v) exceeds relevance_threshold (%v)",
			ErrInvalidConfig, r.DynamicThreshold, r.RelevanceThreshold)
	}
	if r.DefaultK > r.MaxK {
		return fmt.Errorf("%w: retrieval.default_k (%d) exceeds max_k (%d)", ErrInvalidConfig, r.DefaultK, r.MaxK)
	}
	switch c.Storage.IndexType {
	case "memory", "faiss", "chromem":
	default:
		return fmt.Errorf("%w: storage.index_type %q (supported: memory, faiss, chromem)", ErrInvalidConfig, c.Storage.IndexType)
	}
	switch c.Embedding.Provider {
	case "mock", "onnx", "fastembed", "ollama":
	default:
		return fmt.Errorf("%w: embedding.provider %q (supported: mock, onnx, fastembed, ollama)", ErrInvalidConfig, c.Embedding.Provider)
	}
	if _, err := c.Domain.Classifier(); err != nil {
		return fmt.Errorf("%w: domain: %v", ErrInvalidConfig, err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
