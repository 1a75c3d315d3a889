// Package metrics exposes Prometheus collectors for the retrieval pipeline.
//
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kensaku"

// Metrics holds the pipeline collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	gateDecisions  *prometheus.CounterVec
	rerankCalls    *prometheus.CounterVec
	rerankCost     prometheus.Counter
	searchDuration *prometheus.HistogramVec
	ingestedChunks prometheus.Counter
}

// Option configures Metrics.
type Option func(*options)

type options struct {
	registry        *prometheus.Registry
	durationBuckets []float64
	runtime         bool
}

// WithRegistry registers the collectors on an existing registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDurationBuckets sets the search latency histogram buckets (seconds).
func WithDurationBuckets(buckets []float64) Option {
	return func(o *options) { o.durationBuckets = buckets }
}

// WithRuntimeCollectors adds Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(o *options) { o.runtime = true }
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	o := options{
		registry:        prometheus.NewRegistry(),
		durationBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Metrics{
		registry: o.registry,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by namespace and the layer that answered.",
		}, []string{"namespace", "layer"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Rate limit and quota decisions.",
		}, []string{"gate", "resource", "outcome"}),
		rerankCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_calls_total",
			Help:      "Rerank invocations by outcome.",
		}, []string{"outcome"}),
		rerankCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_cost_estimate_total",
			Help:      "Accumulated rerank cost estimate.",
		}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency by mode.",
			Buckets:   o.durationBuckets,
		}, []string{"mode"}),
		ingestedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_chunks_total",
			Help:      "Chunks written by ingestion.",
		}),
	}
	m.registry.MustRegister(m.cacheLookups, m.gateDecisions, m.rerankCalls, m.rerankCost,
		m.searchDuration, m.ingestedChunks)
	if o.runtime {
		m.registry.MustRegister(collectors.NewGoCollector())
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry returns the underlying registry.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// CacheLookup counts a cache lookup answered by layer.
func (m *Metrics) CacheLookup(namespace, layer string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(namespace, layer).Inc()
}

// GateDecision counts an allow or deny from a rate limit or quota gate.
func (m *Metrics) GateDecision(gate, resource string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.gateDecisions.WithLabelValues(gate, resource, outcome).Inc()
}

// RerankCall counts a rerank invocation and adds its cost estimate.
func (m *Metrics) RerankCall(outcome string, cost float64) {
	if m == nil {
		return
	}
	m.rerankCalls.WithLabelValues(outcome).Inc()
	if cost > 0 {
		m.rerankCost.Add(cost)
	}
}

// ObserveSearch records the latency of a search in mode.
func (m *Metrics) ObserveSearch(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ChunksIngested adds n ingested chunks.
func (m *Metrics) ChunksIngested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestedChunks.Add(float64(n))
}
