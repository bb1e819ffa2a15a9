package klayquery

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for HTTP requests and the
// query cache. A nil collector records nothing. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	errorsTotal      *prometheus.CounterVec

	queryFetches  *prometheus.CounterVec
	queryRetries  *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	sharedFetches *prometheus.CounterVec
	cacheEntries  prometheus.Gauge
	subscriptions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klayquery_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "klayquery_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		queryFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_query_fetches_total",
				Help: "Total number of query fetches by outcome",
			},
			[]string{"kind", "outcome"},
		),
		queryRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_query_retries_total",
				Help: "Total number of query retry attempts",
			},
			[]string{"kind", "attempt"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_cache_hits_total",
				Help: "Total number of fresh cache hits",
			},
			[]string{"kind"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_cache_misses_total",
				Help: "Total number of cache misses or stale reads",
			},
			[]string{"kind"},
		),
		sharedFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klayquery_shared_fetches_total",
				Help: "Total number of callers served by another caller's in-flight fetch",
			},
			[]string{"kind"},
		),
		cacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "klayquery_cache_entries",
				Help: "Current number of entries in the query cache",
			},
		),
		subscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "klayquery_subscriptions",
				Help: "Current number of open query subscriptions",
			},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// RecordQueryFetch counts a finished query fetch; outcome is "success" or "error".
func (mc *MetricsCollector) RecordQueryFetch(kind, outcome string) {
	if mc == nil {
		return
	}

	mc.queryFetches.WithLabelValues(kind, outcome).Inc()
}

// RecordQueryRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordQueryRetry(kind string, attempt int) {
	if mc == nil {
		return
	}

	mc.queryRetries.WithLabelValues(kind, strconv.Itoa(attempt)).Inc()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(kind string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(kind string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(kind).Inc()
}

// RecordSharedFetch counts a caller that waited on an in-flight fetch.
func (mc *MetricsCollector) RecordSharedFetch(kind string) {
	if mc == nil {
		return
	}

	mc.sharedFetches.WithLabelValues(kind).Inc()
}

// RecordCacheEntries sets cache size gauge.
func (mc *MetricsCollector) RecordCacheEntries(n int) {
	if mc == nil {
		return
	}

	mc.cacheEntries.Set(float64(n))
}

// RecordSubscriptions adjusts the open subscriptions gauge by delta.
func (mc *MetricsCollector) RecordSubscriptions(delta int) {
	if mc == nil {
		return
	}

	mc.subscriptions.Add(float64(delta))
}

// GetRegistry exposes the underlying prometheus registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
