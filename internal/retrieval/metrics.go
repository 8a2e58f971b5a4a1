package retrieval

import (
	"net/http"
	"time"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records the retrieval policy's decisions on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal    *prometheus.CounterVec
	resultsTotal    *prometheus.CounterVec
	broadSearches   prometheus.Counter
	fallbacks       prometheus.Counter
	outOfRangeTotal prometheus.Counter
	queryDuration   prometheus.Histogram
	resultsPerQuery prometheus.Histogram
	snapshotChunks  prometheus.Gauge
	reloadsTotal    *prometheus.CounterVec
}

// NewMetrics creates the retrieval metrics and registers them, together with the Go and
// process collectors, on a new registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Retrieval calls by whether the query was institution-related and the outcome.",
		}, []string{"related", "status"}),
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "results_total",
			Help:      "Chunks returned, by filtering reason.",
		}, []string{"reason"}),
		broadSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "broad_search_total",
			Help:      "Queries escalated to the per-keyword broad search.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "fallback_total",
			Help:      "Queries where no candidate passed the thresholds and the best matches were kept.",
		}),
		outOfRangeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "index_out_of_range_total",
			Help:      "Index hits whose position has no chunk in the corpus.",
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Retrieval latency including embedding.",
			Buckets:   prometheus.DefBuckets,
		}),
		resultsPerQuery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kotae",
			Subsystem: "retrieval",
			Name:      "results",
			Help:      "Distribution of chunks returned per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		snapshotChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kotae",
			Subsystem: "snapshot",
			Name:      "chunks",
			Help:      "Chunks in the active snapshot.",
		}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kotae",
			Subsystem: "snapshot",
			Name:      "reloads_total",
			Help:      "Snapshot swaps by outcome.",
		}, []string{"status"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queriesTotal,
		m.resultsTotal,
		m.broadSearches,
		m.fallbacks,
		m.outOfRangeTotal,
		m.queryDuration,
		m.resultsPerQuery,
		m.snapshotChunks,
		m.reloadsTotal,
	)
	return m
}

// Registry returns the registry so other components can add their collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeQuery(related bool, status string, results []*models.RetrievedChunk, elapsed time.Duration) {
	if m == nil {
		return
	}
	rel := "false"
	if related {
		rel = "true"
	}
	m.queriesTotal.WithLabelValues(rel, status).Inc()
	if status != "ok" {
		return
	}
	m.queryDuration.Observe(elapsed.Seconds())
	m.resultsPerQuery.Observe(float64(len(results)))
	for _, r := range results {
		m.resultsTotal.WithLabelValues(r.FilteringReason.String()).Inc()
	}
}

func (m *Metrics) broadSearch() {
	if m != nil {
		m.broadSearches.Inc()
	}
}

func (m *Metrics) fallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) outOfRange() {
	if m != nil {
		m.outOfRangeTotal.Inc()
	}
}

func (m *Metrics) swapped(chunks int) {
	if m != nil {
		m.snapshotChunks.Set(float64(chunks))
		m.reloadsTotal.WithLabelValues("ok").Inc()
	}
}

func (m *Metrics) reloadFailed() {
	if m != nil {
		m.reloadsTotal.WithLabelValues("error").Inc()
	}
}
