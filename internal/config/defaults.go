package config

import (
	"time"

	"github.com/hyperjump/kotae/internal/domain"
)

// DefaultPrefix is the snapshot served when storage.prefix is unset.
const DefaultPrefix = "university_combined"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimit) + 1
	}
	if cfg.Storage.EmbeddingsDir == "" {
		cfg.Storage.EmbeddingsDir = "/usr/local/var/kotae/data/embeddings"
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = DefaultPrefix
	}
	if cfg.Storage.IndexType == "" {
		cfg.Storage.IndexType = "memory"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.Provider == "onnx" && cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/kotae/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Provider == "onnx" && cfg.Embedding.Pooling == "" {
		cfg.Embedding.Pooling = "mean"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Retrieval.DynamicThreshold == 0 {
		cfg.Retrieval.DynamicThreshold = 0.45
	}
	if cfg.Retrieval.RelevanceThreshold == 0 {
		cfg.Retrieval.RelevanceThreshold = 0.65
	}
	if cfg.Retrieval.KeywordSearchThreshold == 0 {
		cfg.Retrieval.KeywordSearchThreshold = 0.4
	}
	if cfg.Retrieval.OverfetchFactor == 0 {
		cfg.Retrieval.OverfetchFactor = 3
	}
	if cfg.Retrieval.MinResults == 0 {
		cfg.Retrieval.MinResults = 3
	}
	if cfg.Retrieval.FallbackResults == 0 {
		cfg.Retrieval.FallbackResults = 3
	}
	if cfg.Retrieval.BroadSearchKeywords == 0 {
		cfg.Retrieval.BroadSearchKeywords = 3
	}
	if cfg.Retrieval.DefaultK == 0 {
		cfg.Retrieval.DefaultK = 5
	}
	if cfg.Retrieval.MaxK == 0 {
		cfg.Retrieval.MaxK = 50
	}
	if cfg.Domain.Categories == nil {
		cfg.Domain.Categories = domain.DefaultCategories()
	}
	if cfg.Domain.GenericTerms == nil {
		cfg.Domain.GenericTerms = domain.DefaultGenericTerms()
	}
	if cfg.Domain.TermsPerCategory == 0 {
		cfg.Domain.TermsPerCategory = 3
	}
	if cfg.Domain.MaxEnhanceTerms == 0 {
		cfg.Domain.MaxEnhanceTerms = 5
	}
}
