// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coordination"

var (
	// CacheOperations tracks shared cache operations by operation and result.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total shared cache operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// CacheOperationDuration tracks shared cache round trip latency.
	CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_operation_duration_seconds",
			Help:      "Shared cache operation latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	// CASConflicts tracks conditional updates rejected because the entry changed.
	CASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "Total conditional updates rejected by a version mismatch",
		},
		[]string{"op"},
	)

	// CachePurges tracks expired entries removed by the cleanup job.
	CachePurges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purged_entries_total",
			Help:      "Total expired shared cache entries purged by backend",
		},
		[]string{"backend"},
	)

	// CachePurgeErrors tracks failed cleanup runs.
	CachePurgeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purge_errors_total",
			Help:      "Total failed expiry sweeps by backend",
		},
		[]string{"backend"},
	)

	// LockAcquisitions tracks lock acquisition attempts by lock kind, mode and result.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Total lock acquisition attempts by kind, mode and result",
		},
		[]string{"kind", "mode", "result"},
	)

	// LockEvictions tracks lock entries found missing while holds were outstanding.
	LockEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_evictions_total",
			Help:      "Total lock entries lost to cache eviction while held",
		},
		[]string{"kind"},
	)

	// LockReleaseErrors tracks failed lock releases.
	LockReleaseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_release_errors_total",
			Help:      "Total lock releases that returned an error",
		},
		[]string{"kind"},
	)

	// MirrorOperations tracks cache hit/miss ratio for process-local caches.
	MirrorOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_operations_total",
			Help:      "Total process-local cache operations by cache and result (hit/miss)",
		},
		[]string{"cache", "result"},
	)

	// MirrorInvalidations tracks explicit mirror invalidations.
	MirrorInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_invalidations_total",
			Help:      "Total explicit invalidations of the coherency mirror",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordCacheOperation records a shared cache operation and its latency.
func RecordCacheOperation(op, result string, seconds float64) {
	CacheOperations.WithLabelValues(op, result).Inc()
	CacheOperationDuration.WithLabelValues(op).Observe(seconds)
}

// RecordCASConflict records a rejected conditional update.
func RecordCASConflict(op string) {
	CASConflicts.WithLabelValues(op).Inc()
}

// RecordCachePurge records the outcome of one expiry sweep.
func RecordCachePurge(backend string, removed int64, err error) {
	if err != nil {
		CachePurgeErrors.WithLabelValues(backend).Inc()
		return
	}
	CachePurges.WithLabelValues(backend).Add(float64(removed))
}

// RecordLockAcquisition records a lock acquisition attempt.
func RecordLockAcquisition(kind, mode, result string) {
	LockAcquisitions.WithLabelValues(kind, mode, result).Inc()
}

// RecordLockEviction records a lock entry that vanished while held.
func RecordLockEviction(kind string) {
	LockEvictions.WithLabelValues(kind).Inc()
}

// RecordLockReleaseError records a failed release.
func RecordLockReleaseError(kind string) {
	LockReleaseErrors.WithLabelValues(kind).Inc()
}

// RecordMirrorOperation records a local cache hit or miss.
func RecordMirrorOperation(cache, result string) {
	MirrorOperations.WithLabelValues(cache, result).Inc()
}

// RecordMirrorInvalidation records an explicit mirror invalidation.
func RecordMirrorInvalidation() {
	MirrorInvalidations.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
