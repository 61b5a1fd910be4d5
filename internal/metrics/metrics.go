// Package metrics provides Prometheus metrics for the edge service.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the edge.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Transcoded    *prometheus.CounterVec
	Rewrites      *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
	FailOpenTotal *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odic_edge_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odic_edge_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odic_edge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odic_edge_upstream_request_duration_seconds",
			Help:    "Upstream API call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "environment"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odic_edge_upstream_responses_total",
			Help: "Total upstream API responses by method, environment and status code.",
		}, []string{"method", "environment", "status_code"}),

		Transcoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odic_edge_transcoded_requests_total",
			Help: "Mutating API requests by transcoding outcome.",
		}, []string{"outcome"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odic_edge_html_rewrites_total",
			Help: "HTML responses seen by the rewriter, by outcome.",
		}, []string{"outcome"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odic_edge_cache_lookups_total",
			Help: "Cache manager fetch decisions by policy and result.",
		}, []string{"policy", "result"}),

		FailOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odic_edge_fail_open_total",
			Help: "Recovered internal failures that fell back to unmodified behaviour.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.Transcoded,
		m.Rewrites,
		m.CacheLookups,
		m.FailOpenTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api", "/healthz", "/edge/status", "/edge/cache", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Everything outside the known prefixes is site traffic.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "site"
}
