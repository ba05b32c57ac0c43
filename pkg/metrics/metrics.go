// Package metrics provides access to Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "assetcache"

// Web
var (
	HTTPResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_statuses_total",
		},
		[]string{"status"},
	)
	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_time_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)
)

// Memory cache
var (
	MemoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "hits_total",
		},
	)
	MemoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "misses_total",
		},
	)
	MemoryCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "evictions_total",
		},
	)
	MemoryCacheCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "cost_bytes",
		},
	)
	MemoryCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "entries",
		},
	)
)

// Disk cache
var (
	DiskCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "hits_total",
		},
	)
	DiskCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "misses_total",
		},
	)
	DiskCacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "errors_total",
		},
	)
	DiskCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "evictions_total",
		},
	)
	DiskCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "size_bytes",
		},
	)
)

// Remote
var (
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "requests_total",
		},
		[]string{"operation"},
	)
	RemoteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "errors_total",
		},
		[]string{"operation"},
	)
	RemoteResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "response_time_seconds",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)
	RemoteDownloadSizes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "download_size_bytes",
			Buckets: []float64{
				124 << 10, // 124 Kib
				256 << 10, // 256 Kib
				512 << 10, // 512 Kib
				1 << 20,   // 1 Mib
				2 << 20,   // 2 Mib
				5 << 20,   // 5 Mib
				10 << 20,  // 10 Mib
				20 << 20,  // 20 Mib
			},
		},
	)
)

// Fetcher
var (
	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "results_total",
		},
		[]string{"result"},
	)
	PrefetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "prefetch_duration_seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

const (
	RemoteOperationDownload = "download"
	RemoteOperationRevision = "revision"
)

const (
	FetchResultMemory   = "memory"
	FetchResultDisk     = "disk"
	FetchResultRemote   = "remote"
	FetchResultStale    = "stale"
	FetchResultNotFound = "not_found"
)

// Init values for common labels.
func init() {
	for _, status := range []string{"200", "400", "404", "500"} {
		HTTPResponseStatuses.With(prometheus.Labels{"status": status}).Add(0)
	}
	for _, op := range []string{RemoteOperationDownload, RemoteOperationRevision} {
		RemoteRequests.With(prometheus.Labels{"operation": op}).Add(0)
		RemoteErrors.With(prometheus.Labels{"operation": op}).Add(0)
	}
	for _, res := range []string{
		FetchResultMemory, FetchResultDisk, FetchResultRemote, FetchResultStale, FetchResultNotFound,
	} {
		FetchResults.With(prometheus.Labels{"result": res}).Add(0)
	}
}
