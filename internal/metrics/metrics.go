// Package metrics exposes Prometheus collectors for the harvesting engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestsTotal              *prometheus.CounterVec
	harvestDurationSeconds     *prometheus.HistogramVec
	documentsTotal             *prometheus.CounterVec
	changeEventsTotal          prometheus.Counter
	fetchRetriesTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	headlessPromotionsTotal    prometheus.Counter
	activeHarvests             prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	publishFailuresTotal       prometheus.Counter
	archiveFailuresTotal       prometheus.Counter
	staleRefreshesTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_harvests_total",
				Help: "Total number of source harvests, labeled by source kind and final state.",
			},
			[]string{"kind", "status"},
		)

		harvestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docharvest_harvest_duration_seconds",
				Help:    "Histogram of source harvest durations, labeled by source kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_documents_total",
				Help: "Total number of documents processed, labeled by source kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		changeEventsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_change_events_total",
				Help: "Total number of change events committed.",
			},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_fetch_retries_total",
				Help: "Total number of retried operations, labeled by error kind.",
			},
			[]string{"kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_headless_promotions_total",
				Help: "Total number of pages re-fetched with a headless browser.",
			},
		)

		activeHarvests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "docharvest_active_harvests",
				Help: "Number of harvests currently in flight.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docharvest_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		publishFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_publish_failures_total",
				Help: "Total number of change notifications that failed to publish.",
			},
		)

		archiveFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_archive_failures_total",
				Help: "Total number of document bodies that failed to archive.",
			},
		)

		staleRefreshesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_stale_refreshes_total",
				Help: "Total number of harvests requested because readers saw stale snapshots.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHarvest records a finished harvest.
func ObserveHarvest(kind, status string, duration time.Duration) {
	Init()
	harvestsTotal.WithLabelValues(kind, status).Inc()
	harvestDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDocument records the outcome of a single document.
func ObserveDocument(kind, outcome string) {
	Init()
	documentsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveChangeEvent counts a committed change event.
func ObserveChangeEvent() {
	Init()
	changeEventsTotal.Inc()
}

// ObserveRetry counts a retried operation.
func ObserveRetry(kind string) {
	Init()
	fetchRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records fetched bytes for a site.
func ObserveFetch(site string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveHeadlessPromotion counts a headless re-fetch.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// IncActiveHarvests increments the in-flight harvest gauge.
func IncActiveHarvests() {
	Init()
	activeHarvests.Inc()
}

// DecActiveHarvests decrements the in-flight harvest gauge.
func DecActiveHarvests() {
	Init()
	activeHarvests.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObservePublishFailure counts a failed change notification.
func ObservePublishFailure() {
	Init()
	publishFailuresTotal.Inc()
}

// ObserveArchiveFailure counts a failed archive write.
func ObserveArchiveFailure() {
	Init()
	archiveFailuresTotal.Inc()
}

// ObserveStaleRefresh counts harvests requested for stale sources.
func ObserveStaleRefresh(n int) {
	Init()
	staleRefreshesTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
