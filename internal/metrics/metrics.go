// Package metrics exposes Prometheus collectors for the catalog service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	renderPromotionsTotal      *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	breakerState               *prometheus.GaugeVec
	ingestOutcomesTotal        *prometheus.CounterVec
	indexQueueDepth            prometheus.Gauge
	indexAppliedTotal          *prometheus.CounterVec
	jobRunsTotal               *prometheus.CounterVec
	extSearchesTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetches_total",
				Help: "Total number of page fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		renderPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_render_promotions_total",
				Help: "Total number of plain fetches retried through the renderer, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies including retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_site_breaker_state",
				Help: "Circuit breaker state per site (0 closed, 1 half-open, 2 open).",
			},
			[]string{"site"},
		)

		ingestOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_ingest_outcomes_total",
				Help: "Total number of resolver outcomes, labeled by kind.",
			},
			[]string{"kind"},
		)

		indexQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_index_queue_depth",
				Help: "Number of index messages waiting to be applied.",
			},
		)

		indexAppliedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_index_applied_total",
				Help: "Total number of index messages handled, labeled by op and result.",
			},
			[]string{"op", "result"},
		)

		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_job_runs_total",
				Help: "Total number of batch job runs, labeled by job and status.",
			},
			[]string{"job", "status"},
		)

		extSearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_external_searches_total",
				Help: "Total number of external site searches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one finished fetch.
func ObserveFetch(site, outcome string, bytesFetched int, duration time.Duration) {
	Init()
	if site == "" {
		site = "unknown"
	}
	fetchesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// SetBreakerState records a site's breaker state.
func SetBreakerState(site string, state int) {
	Init()
	breakerState.WithLabelValues(site).Set(float64(state))
}

// ObserveIngest counts a resolver outcome.
func ObserveIngest(kind string) {
	Init()
	ingestOutcomesTotal.WithLabelValues(kind).Inc()
}

// SetIndexQueueDepth records the index queue length.
func SetIndexQueueDepth(n int) {
	Init()
	indexQueueDepth.Set(float64(n))
}

// ObserveIndexApply counts a handled index message.
func ObserveIndexApply(op, result string) {
	Init()
	indexAppliedTotal.WithLabelValues(op, result).Inc()
}

// ObserveJob counts a finished job run.
func ObserveJob(job, status string) {
	Init()
	jobRunsTotal.WithLabelValues(job, status).Inc()
}

// ObservePromotion counts a plain fetch promoted to a rendered one.
func ObservePromotion(site string) {
	Init()
	renderPromotionsTotal.WithLabelValues(site).Inc()
}

// ObserveExternalSearch counts one site search; outcome is ok, error, timeout
// or cached.
func ObserveExternalSearch(site, outcome string) {
	Init()
	extSearchesTotal.WithLabelValues(site, outcome).Inc()
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

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
