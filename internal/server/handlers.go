package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/corpus"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/storage"
	"go.uber.org/zap"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("k", query.K))
	response, err := s.engine.Search(r.Context(), &query)
	if err != nil {
		s.fail(w, r, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

type chunksResponse struct {
	Chunks []*models.Chunk `json:"chunks"`
	Total  int             `json:"total"`
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	category := r.URL.Query().Get("category")

	var (
		chunks []*models.Chunk
		err    error
	)
	switch {
	case typ != "" && category != "":
		s.respondError(w, http.StatusBadRequest, "use either type or category, not both")
		return
	case typ != "":
		t := models.SourceType(typ)
		if !t.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown source type: "+typ)
			return
		}
		chunks, err = s.engine.ChunksBySourceType(t)
	case category != "":
		chunks, err = s.engine.ChunksByCategory(category)
	default:
		s.respondError(w, http.StatusBadRequest, "type or category is required")
		return
	}
	if err != nil {
		s.fail(w, r, "list chunks failed", err)
		return
	}
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, chunksResponse{Chunks: chunks, Total: len(chunks)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"loaded": s.engine.Status().Loaded,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	resp := map[string]interface{}{
		"snapshot": st,
	}
	prefixes, err := s.repo.List()
	if err != nil {
		s.logger.Warn("status: list snapshots failed", zap.Error(err))
	} else {
		resp["snapshots"] = prefixes
	}
	if diskBytes, err := s.repo.DiskUsage(s.ActivePrefix()); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	if usage, err := s.repo.Usage(); err == nil {
		resp["snapshot_bytes"] = usage
	}

	// Add configuration info
	resp["config"] = map[string]interface{}{
		"embeddings_dir":       s.repo.Dir(),
		"prefix":               s.config.Storage.Prefix,
		"index_type":           s.config.Storage.IndexType,
		"embedding_provider":   s.config.Embedding.Provider,
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"dynamic_threshold":    s.config.Retrieval.DynamicThreshold,
		"relevance_threshold":  s.config.Retrieval.RelevanceThreshold,
		"default_k":            s.config.Retrieval.DefaultK,
		"max_k":                s.config.Retrieval.MaxK,
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type reloadRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("reload request", zap.String("prefix", req.Prefix))
	if err := s.Reload(r.Context(), req.Prefix); err != nil {
		s.fail(w, r, "reload failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.Status())
}

type combineRequest struct {
	Sources  []string `json:"sources"`
	Target   string   `json:"target,omitempty"`
	Activate bool     `json:"activate,omitempty"`
}

type combineResponse struct {
	Target    string `json:"target"`
	Chunks    int    `json:"chunks"`
	Activated bool   `json:"activated"`
}

func (s *Server) handleCombine(w http.ResponseWriter, r *http.Request) {
	var req combineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Sources) == 0 {
		s.respondError(w, http.StatusBadRequest, "sources are required")
		return
	}
	if req.Target == "" {
		req.Target = config.DefaultPrefix
	}
	s.logger.Debug("combine request", zap.Strings("sources", req.Sources), zap.String("target", req.Target))

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	snap, err := s.repo.Combine(r.Context(), req.Sources, req.Target)
	if err != nil {
		s.fail(w, r, "combine failed", err)
		return
	}
	resp := combineResponse{Target: snap.Name, Chunks: snap.Corpus.Len()}
	if req.Activate || req.Target == s.engine.Status().Prefix {
		if err := s.engine.Swap(snap); err != nil {
			_ = snap.Close()
			s.fail(w, r, "activate combined snapshot failed", err)
			return
		}
		resp.Activated = true
	} else {
		_ = snap.Close()
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// decodeOptional decodes a JSON body, treating an empty body as no fields set.
func decodeOptional(body io.Reader, v interface{}) error {
	if body == nil {
		return nil
	}
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrUninitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, retrieval.ErrInvalidK),
		errors.Is(err, models.ErrInvalidQuery),
		errors.Is(err, corpus.ErrInvalidChunk),
		errors.Is(err, storage.ErrEmptyCorpus),
		errors.Is(err, storage.ErrInvalidPrefix):
		return http.StatusBadRequest
	case errors.Is(err, retrieval.ErrSnapshotNotFound),
		errors.Is(err, storage.ErrSourceMissing):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, fields...)
	} else {
		s.logger.Debug(msg, fields...)
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
