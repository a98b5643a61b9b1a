// Package observability holds Prometheus metrics and OpenTelemetry tracing setup.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"synthgpt/internal/util"
)

var (
	// EmbedLatency records embedding provider latency by provider and outcome.
	EmbedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synthgpt_embed_latency_seconds",
		Help:    "Embedding provider call latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"provider", "outcome"})

	// StoreQueryLatency records preset store latency by operation and outcome.
	StoreQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synthgpt_store_query_latency_seconds",
		Help:    "Preset store query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	// RetrievalRequests counts search requests by outcome.
	RetrievalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synthgpt_retrieval_requests_total",
		Help: "Total retrieval requests by outcome",
	}, []string{"outcome"})

	// RetrievalResultCount records how many presets each successful search returned.
	RetrievalResultCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synthgpt_retrieval_result_count",
		Help:    "Number of presets returned per search",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
	})

	// IndexerJobs counts embedding jobs by final status.
	IndexerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synthgpt_indexer_jobs_total",
		Help: "Total indexer jobs by status",
	}, []string{"status", "input"})

	// HTTPRequests counts HTTP requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synthgpt_http_requests_total",
		Help: "Total HTTP requests by route and status",
	}, []string{"service", "route", "code"})

	// HTTPLatency records HTTP handler latency by route pattern.
	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synthgpt_http_request_duration_seconds",
		Help:    "HTTP handler latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "route"})
)

// Outcome maps an error to a metric label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSince records the elapsed time since start on a histogram.
func ObserveSince(h *prometheus.HistogramVec, start time.Time, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithHTTPMetrics wraps a ServeMux directly so the matched route pattern is
// readable after dispatch.
func WithHTTPMetrics(service string, mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &util.StatusRecorder{ResponseWriter: w}
		mux.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(service, route, strconv.Itoa(rec.StatusCode())).Inc()
		HTTPLatency.WithLabelValues(service, route).Observe(time.Since(start).Seconds())
	})
}
