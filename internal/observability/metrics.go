package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Global collector instance for singleton pattern
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the runtime.
type Collector struct {
	registry *prometheus.Registry

	// Query telemetry
	QueryCount             *prometheus.CounterVec
	QueryDurationMs        *prometheus.HistogramVec
	QueryExecutionMs       *prometheus.HistogramVec
	QueryProcessedBytes    prometheus.Counter
	QueryReturnedBytes     prometheus.Counter
	QueryErrors            *prometheus.CounterVec
	ResultsCacheHits       prometheus.Counter
	ResultsCacheMisses     prometheus.Counter
	ResultsCacheEvictions  prometheus.Counter
	ResultsCacheSizeBytes  prometheus.Gauge

	// Dataset / acceleration telemetry
	DatasetReadCount       *prometheus.CounterVec
	DatasetLoadErrors      *prometheus.CounterVec
	DatasetRefreshDuration *prometheus.HistogramVec
	DatasetStatus          *prometheus.GaugeVec
	DatasetUnavailableMs   *prometheus.GaugeVec

	// Catalog telemetry
	CatalogRefreshErrors *prometheus.CounterVec

	// Ingest telemetry
	IngestBatches *prometheus.CounterVec
	IngestRows    *prometheus.CounterVec

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates the metrics collector with the given namespace.
func NewCollector(namespace string) *Collector {
	// Singleton to avoid duplicate registration in tests.
	collectorMutex.Lock()
	defer collectorMutex.Unlock()
	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		QueryCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_count",
			Help: "Total number of SQL queries received",
		}, []string{"protocol", "cache_status"}),
		QueryDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_ms",
			Help:    "Wall time from query receipt to stream end in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"protocol"}),
		QueryExecutionMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_execution_duration_ms",
			Help:    "Engine execution time in milliseconds; zero for cache hits",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"protocol"}),
		QueryProcessedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_processed_bytes",
			Help: "Total bytes processed by query execution",
		}),
		QueryReturnedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_returned_bytes",
			Help: "Total bytes returned to clients",
		}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_errors_total",
			Help: "Total failed queries by error code",
		}, []string{"code"}),
		ResultsCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_cache_hits_total",
			Help: "Total results cache hits",
		}),
		ResultsCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_cache_misses_total",
			Help: "Total results cache misses",
		}),
		ResultsCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_cache_evictions_total",
			Help: "Total results cache evictions",
		}),
		ResultsCacheSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "results_cache_size_bytes",
			Help: "Arrow memory footprint of cached results",
		}),
		DatasetReadCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dataset_read_count",
			Help: "Total source scans per dataset",
		}, []string{"dataset"}),
		DatasetLoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dataset_load_error_total",
			Help: "Total dataset load failures",
		}, []string{"dataset"}),
		DatasetRefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dataset_refresh_duration_seconds",
			Help:    "Acceleration refresh duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"dataset"}),
		DatasetStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dataset_status",
			Help: "Acceleration status (1=Initializing 2=Ready 3=Refreshing 4=Disabled 5=Error)",
		}, []string{"dataset"}),
		DatasetUnavailableMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dataset_unavailable_time_ms",
			Help: "Milliseconds a dataset has been unavailable to queries",
		}, []string{"dataset"}),
		CatalogRefreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "catalog_load_error_total",
			Help: "Total catalog refresh failures",
		}, []string{"catalog"}),
		IngestBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_batches_total",
			Help: "Total batches accepted on the write surface",
		}, []string{"table"}),
		IngestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_rows_total",
			Help: "Total rows accepted on the write surface",
		}, []string{"table"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.QueryCount, c.QueryDurationMs, c.QueryExecutionMs,
		c.QueryProcessedBytes, c.QueryReturnedBytes, c.QueryErrors,
		c.ResultsCacheHits, c.ResultsCacheMisses, c.ResultsCacheEvictions, c.ResultsCacheSizeBytes,
		c.DatasetReadCount, c.DatasetLoadErrors, c.DatasetRefreshDuration,
		c.DatasetStatus, c.DatasetUnavailableMs,
		c.CatalogRefreshErrors,
		c.IngestBatches, c.IngestRows,
		c.HTTPRequests, c.HTTPDuration,
	)

	globalCollector = c
	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records the end-of-stream telemetry for one query.
func (c *Collector) ObserveQuery(protocol, cacheStatus string, wall, execution time.Duration, processed, returned int64) {
	c.QueryCount.WithLabelValues(protocol, cacheStatus).Inc()
	c.QueryDurationMs.WithLabelValues(protocol).Observe(float64(wall.Milliseconds()))
	c.QueryExecutionMs.WithLabelValues(protocol).Observe(float64(execution.Milliseconds()))
	c.QueryProcessedBytes.Add(float64(processed))
	c.QueryReturnedBytes.Add(float64(returned))
}

// SetDatasetStatus records the acceleration status gauge.
func (c *Collector) SetDatasetStatus(dataset string, status string) {
	var v float64
	switch status {
	case "Initializing":
		v = 1
	case "Ready":
		v = 2
	case "Refreshing":
		v = 3
	case "Disabled":
		v = 4
	case "Error":
		v = 5
	}
	c.DatasetStatus.WithLabelValues(dataset).Set(v)
}
