// Package metrics exposes Prometheus collectors for the flowlens service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	externalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowlens_external_calls_total",
			Help: "Calls to external services, labeled by service and outcome.",
		},
		[]string{"service", "outcome"},
	)

	externalCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowlens_external_call_duration_seconds",
			Help:    "Latency of external calls, labeled by service.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowlens_cache_lookups_total",
			Help: "Cache lookups, labeled by namespace and result (hit, miss, error).",
		},
		[]string{"namespace", "result"},
	)

	fetchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowlens_fetch_outcomes_total",
			Help: "Direct page fetches, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	datasetRowsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowlens_dataset_rows_skipped_total",
			Help: "Malformed dataset rows dropped during ingestion.",
		},
	)

	datasetRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowlens_dataset_records",
			Help: "Records in the most recently loaded dataset.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowlens_rate_limit_delay_seconds",
			Help:    "Time spent waiting for a rate limit token, labeled by key.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"key"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite extracts a lowercase hostname, or "unknown" for invalid URLs.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExternalCall records one call to a paid or remote service.
func ObserveExternalCall(service, outcome string, duration time.Duration) {
	externalCallsTotal.WithLabelValues(service, outcome).Inc()
	externalCallDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit, miss or error.
func ObserveCacheLookup(namespace, result string) {
	cacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

// ObserveFetch records a classified direct fetch.
func ObserveFetch(rawURL, outcome string) {
	fetchOutcomesTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveDataset records the size of a freshly loaded dataset.
func ObserveDataset(records, skipped int) {
	datasetRecords.Set(float64(records))
	if skipped > 0 {
		datasetRowsSkippedTotal.Add(float64(skipped))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent blocked on a limiter.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}
