// Package server provides the HTTP API for kotae.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

// Server is the HTTP server for the kotae API.
type Server struct {
	engine  *retrieval.Engine
	repo    *storage.Repository
	metrics *retrieval.Metrics
	config  *config.Config
	logger  *zap.Logger
	limiter *rate.Limiter
	server  *http.Server

	requests *prometheus.CounterVec
	// reloadMu serializes reload and combine so two writers never race on one prefix.
	reloadMu sync.Mutex
}

// NewServer creates a server with the given dependencies. metrics may be nil.
func NewServer(
	engine *retrieval.Engine,
	repo *storage.Repository,
	metrics *retrieval.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		engine:  engine,
		repo:    repo,
		metrics: metrics,
		config:  cfg,
		logger:  utils.OrNop(logger),
	}
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.RateBurst
		if burst <= 0 {
			burst = int(cfg.Server.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}
	if reg := metrics.Registry(); reg != nil {
		s.requests = registerRequestCounter(reg)
	}
	return s
}

func registerRequestCounter(reg *prometheus.Registry) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kotae_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		return nil
	}
	return c
}

// Router returns the API routes with middleware applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/search", s.handleSearch)
		r.Get("/chunks", s.handleChunks)
		r.Get("/status", s.handleStatus)
		r.Post("/reload", s.handleReload)
		r.Post("/combine", s.handleCombine)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Reload swaps in the saved snapshot for prefix, or the configured prefix when empty.
// The watcher and the reload endpoint both go through here.
func (s *Server) Reload(ctx context.Context, prefix string) error {
	if prefix == "" {
		prefix = s.ActivePrefix()
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.engine.Reload(ctx, s.repo, prefix)
}

// ActivePrefix returns the prefix being served, or the configured one when nothing is loaded.
func (s *Server) ActivePrefix() string {
	if st := s.engine.Status(); st.Loaded {
		return st.Prefix
	}
	return s.config.Storage.Prefix
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
		if s.requests != nil {
			s.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
