package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for both collector binaries
var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kmon_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status_code"},
	)

	// Metric source scrape metrics (node collector)
	sourceScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kmon_source_scrape_duration_seconds",
			Help:    "Duration of metric source scrapes",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"source"},
	)

	sourceScrapeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmon_source_scrape_errors_total",
			Help: "Total number of metric source scrape errors",
		},
		[]string{"source"},
	)

	// Fan-in metrics (cluster collector)
	nodeFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmon_node_fetches_total",
			Help: "Total number of per-node snapshot fetches",
		},
		[]string{"result"},
	)

	nodeFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kmon_node_fetch_duration_seconds",
			Help:    "Per-node snapshot fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"result"},
	)

	aggregationCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kmon_aggregation_cycle_duration_seconds",
			Help:    "Duration of full aggregation cycles",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	aggregationNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kmon_aggregation_nodes",
			Help: "Number of nodes in the latest aggregated snapshot by state",
		},
		[]string{"state"},
	)

	// Registry metrics
	registryNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kmon_registry_nodes",
			Help: "Number of nodes currently tracked in the registry",
		},
	)

	registryListErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kmon_registry_list_errors_total",
			Help: "Total number of failed control-plane node list attempts",
		},
	)

	// Cache metrics
	cacheReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmon_cache_reads_total",
			Help: "Total number of cache reads by slot state",
		},
		[]string{"state"},
	)

	cacheRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmon_cache_refreshes_total",
			Help: "Total number of cache refresh attempts",
		},
		[]string{"result"},
	)

	cacheRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kmon_cache_refresh_duration_seconds",
			Help:    "Duration of cache refresh attempts",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	// Rate limiting metrics
	rateLimitedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmon_rate_limited_requests_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"endpoint"},
	)
)

// RecordHTTPRequest records metrics for HTTP requests
func RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	labels := prometheus.Labels{
		"method":      method,
		"path":        path,
		"status_code": strconv.Itoa(statusCode),
	}

	httpRequestsTotal.With(labels).Inc()
	httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// RecordSourceScrape records metric source scrape metrics
func RecordSourceScrape(source string, duration time.Duration, hasError bool) {
	sourceScrapeDuration.With(prometheus.Labels{"source": source}).Observe(duration.Seconds())

	if hasError {
		sourceScrapeErrors.With(prometheus.Labels{"source": source}).Inc()
	}
}

// RecordNodeFetch records a per-node fetch attempt during a cycle
func RecordNodeFetch(result string, duration time.Duration) {
	nodeFetchesTotal.With(prometheus.Labels{"result": result}).Inc()
	nodeFetchDuration.With(prometheus.Labels{"result": result}).Observe(duration.Seconds())
}

// RecordAggregationCycle records metrics for one completed aggregation cycle
func RecordAggregationCycle(duration time.Duration, fresh, stale int) {
	aggregationCycleDuration.Observe(duration.Seconds())
	aggregationNodes.With(prometheus.Labels{"state": "fresh"}).Set(float64(fresh))
	aggregationNodes.With(prometheus.Labels{"state": "stale"}).Set(float64(stale))
}

// UpdateRegistrySize updates the registry node count gauge
func UpdateRegistrySize(count int) {
	registryNodes.Set(float64(count))
}

// RecordRegistryListError records a failed control-plane node list attempt
func RecordRegistryListError() {
	registryListErrors.Inc()
}

// RecordCacheRead records a cache read by the slot state it observed
func RecordCacheRead(state string) {
	cacheReadsTotal.With(prometheus.Labels{"state": state}).Inc()
}

// RecordCacheRefresh records a cache refresh attempt
func RecordCacheRefresh(result string, duration time.Duration) {
	cacheRefreshesTotal.With(prometheus.Labels{"result": result}).Inc()
	cacheRefreshDuration.Observe(duration.Seconds())
}

// RecordRateLimitedRequest records rate limiting metrics
func RecordRateLimitedRequest(endpoint string) {
	rateLimitedRequestsTotal.With(prometheus.Labels{"endpoint": endpoint}).Inc()
}
