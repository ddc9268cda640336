// Package metrics owns the Prometheus registry of the service and the
// counters and histograms recorded by the HTTP layer.
//
// A disabled *Metrics is valid: every recording method becomes a no-op and
// Enabled reports false so the /metrics route can answer 404.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls registry creation.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Outcome labels for embed_requests_total.
const (
	OutcomeSuccess         = "success"
	OutcomeValidationError = "validation_error"
	OutcomeInternalError   = "internal_error"
)

// Metrics encapsulates a dedicated Prometheus registry. Each instance is
// isolated, so tests can build as many as they like.
type Metrics struct {
	enabled  bool
	Registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	embedRequests *prometheus.CounterVec
	embedErrors   *prometheus.CounterVec
	embedLatency  prometheus.Histogram
	textLength    prometheus.Histogram
	payloadChars  prometheus.Histogram
	payloadBytes  prometheus.Histogram
	cacheLookups  *prometheus.CounterVec
}

// New builds the registry. All series carry a constant service label.
func New(cfg Config) *Metrics {
	m := &Metrics{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return m
	}

	registry := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"service": cfg.ServiceName}, registry)

	m.Registry = registry
	m.httpRequests = createCounterVec("http_requests_total", "Total HTTP requests handled.", []string{"method", "route", "status"})
	m.httpDuration = createHistogramVec("http_request_duration_seconds", "HTTP request latency in seconds.", []string{"method", "route"}, prometheus.DefBuckets)
	m.embedRequests = createCounterVec("embed_requests_total", "Total /embed requests by outcome.", []string{"outcome"})
	m.embedErrors = createCounterVec("embed_errors_total", "Total /embed errors by kind.", []string{"kind"})
	m.embedLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "embed_request_latency_seconds",
		Help:    "Latency of the model call for /embed requests in seconds.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	m.textLength = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "embed_text_length_chars",
		Help:    "Length of individual input texts in characters.",
		Buckets: prometheus.ExponentialBuckets(16, 2, 10),
	})
	m.payloadChars = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "embed_request_payload_chars",
		Help:    "Total characters in an /embed request.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 9),
	})
	m.payloadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "embed_request_payload_bytes",
		Help:    "Size of the /embed request body in bytes.",
		Buckets: prometheus.ExponentialBuckets(128, 4, 9),
	})
	m.cacheLookups = createCounterVec("embed_cache_lookups_total", "Embedding cache lookups by result.", []string{"result"})

	wrapped.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.embedRequests,
		m.embedErrors,
		m.embedLatency,
		m.textLength,
		m.payloadChars,
		m.payloadBytes,
		m.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Enabled reports whether metrics are collected and exposed.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if !m.Enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// EmbedSucceeded records a successful /embed call and its model latency.
func (m *Metrics) EmbedSucceeded(elapsed time.Duration) {
	if !m.Enabled() {
		return
	}
	m.embedRequests.WithLabelValues(OutcomeSuccess).Inc()
	m.embedLatency.Observe(elapsed.Seconds())
}

// EmbedFailed records a failed /embed call. kind is the error envelope kind.
func (m *Metrics) EmbedFailed(outcome, kind string) {
	if !m.Enabled() {
		return
	}
	m.embedRequests.WithLabelValues(outcome).Inc()
	m.embedErrors.WithLabelValues(kind).Inc()
}

// AuthFailed records a request rejected for a missing or wrong API key.
func (m *Metrics) AuthFailed() {
	if !m.Enabled() {
		return
	}
	m.embedErrors.WithLabelValues("auth").Inc()
}

// ObservePayload records the per-text lengths, total characters and body
// size of an accepted request.
func (m *Metrics) ObservePayload(lengths []int, totalChars int, bodyBytes int64) {
	if !m.Enabled() {
		return
	}
	for _, n := range lengths {
		m.textLength.Observe(float64(n))
	}
	m.payloadChars.Observe(float64(totalChars))
	if bodyBytes >= 0 {
		m.payloadBytes.Observe(float64(bodyBytes))
	}
}

// CacheLookup counts embedding cache results: "hit", "miss" or "error".
func (m *Metrics) CacheLookup(result string, n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.cacheLookups.WithLabelValues(result).Add(float64(n))
}

func createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

func createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
}
