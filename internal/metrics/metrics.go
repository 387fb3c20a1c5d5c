// Package metrics exposes Prometheus collectors for the ranking pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	rowsUpsertedTotal          *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankcrawler_pages_total",
				Help: "Pages fetched, labeled by source and status class.",
			},
			[]string{"source", "status"},
		)
		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankcrawler_bytes_total",
				Help: "Bytes fetched, labeled by source.",
			},
			[]string{"source"},
		)
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankcrawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by source and outcome (ok, retry, fail).",
			},
			[]string{"source", "outcome"},
		)
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankcrawler_records_total",
				Help: "Records seen by the pipeline, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)
		rowsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankcrawler_rows_upserted_total",
				Help: "Rows written to the store, labeled by result (inserted, updated, unchanged).",
			},
			[]string{"result"},
		)
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankcrawler_runs_total",
				Help: "Finished pipeline runs, labeled by final state.",
			},
			[]string{"state"},
		)
		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rankcrawler_run_duration_seconds",
				Help:    "Wall time of pipeline runs.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankcrawler_active_workers",
				Help: "Number of workers currently executing a run.",
			},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankcrawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-source rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// StatusClass buckets an HTTP status into 2xx/3xx/4xx/5xx, or "error" when
// no response was received.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one fetched page.
func ObservePage(source string, statusCode, bytesFetched int) {
	Init()
	pagesTotal.WithLabelValues(source, StatusClass(statusCode)).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// ObserveFetchAttempt records the outcome of one fetch attempt.
func ObserveFetchAttempt(source, outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRecords adds n records with the given outcome (parsed, dropped, skipped, deduplicated).
func ObserveRecords(source, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveUpsert records the result counts of a store write.
func ObserveUpsert(inserted, updated, unchanged int) {
	Init()
	rowsUpsertedTotal.WithLabelValues("inserted").Add(float64(inserted))
	rowsUpsertedTotal.WithLabelValues("updated").Add(float64(updated))
	rowsUpsertedTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}

// ObserveRun records a finished run.
func ObserveRun(state string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(state).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
