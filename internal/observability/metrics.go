package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: metrics are process-wide. Several clients in one process (common in
// tests) add to the same series; per-client figures such as the exposure
// loss count are also kept on the client itself.

// namespace defines the global prefix for all metrics (e.g., heimdall_...).
const namespace = "heimdall"

// lowLatencyBuckets covers evaluation paths, which are expected to finish
// well below a millisecond unless they fall back to the network.
// Range: 10µs to 500ms.
var lowLatencyBuckets = []float64{.00001, .00005, .0001, .0005, .001, .005, .010, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// EVALUATION
	// -------------------------------------------------------------------------

	// EvaluationsTotal counts checks by spec kind and exposure reason.
	// Metric: heimdall_sdk_evaluations_total
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "evaluations_total",
		Help:      "Total evaluations by spec kind and reason",
	}, []string{"kind", "reason"})

	// EvaluationDuration measures end-to-end check latency.
	// Metric: heimdall_sdk_evaluation_seconds
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "evaluation_seconds",
		Help:      "Time taken to evaluate a spec",
		Buckets:   lowLatencyBuckets,
	}, []string{"kind"})

	// FallbackRequestsTotal counts remote evaluations by outcome (success, error, timeout).
	FallbackRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "fallback_requests_total",
		Help:      "Total remote evaluations issued by the fallback delegator",
	}, []string{"outcome"})

	// -------------------------------------------------------------------------
	// SYNCHRONIZER
	// -------------------------------------------------------------------------

	// SyncFetchesTotal counts spec fetches by status (updated, unchanged, failed, malformed, skipped).
	// Metric: heimdall_sdk_sync_fetches_total
	SyncFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "sync_fetches_total",
		Help:      "Total spec fetches by status",
	}, []string{"status"})

	// SyncFetchDuration measures the latency of spec fetches.
	SyncFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "sync_fetch_seconds",
		Help:      "Time taken to fetch and install a snapshot",
		Buckets:   prometheus.DefBuckets,
	})

	// SyncConsecutiveFailures is reset to zero by every successful fetch.
	SyncConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "sync_consecutive_failures",
		Help:      "Number of spec fetches that failed in a row",
	})

	// SnapshotUpdateTime is the version token of the installed snapshot.
	SnapshotUpdateTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "snapshot_update_time",
		Help:      "Update time token of the currently installed snapshot",
	})

	// SnapshotInstallsTotal counts snapshot installs by source (network, bootstrap, persisted).
	SnapshotInstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "snapshot_installs_total",
		Help:      "Total snapshots installed by source",
	}, []string{"source"})

	// -------------------------------------------------------------------------
	// EXPOSURES
	// -------------------------------------------------------------------------

	ExposuresEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "exposures_enqueued_total",
		Help:      "Total exposure events accepted into the queue",
	})

	ExposuresFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "exposures_flushed_total",
		Help:      "Total exposure events delivered to the events endpoint",
	})

	// ExposuresDroppedTotal counts lost events by cause (overflow, retries_exhausted, rejected, shutdown).
	ExposuresDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "exposures_dropped_total",
		Help:      "Total exposure events lost by cause",
	}, []string{"cause"})

	ExposuresDeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "exposures_deduplicated_total",
		Help:      "Total exposure events suppressed by the dedupe window",
	})

	ExposureFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "exposure_flush_seconds",
		Help:      "Time taken to submit one exposure batch",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	ExposureQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "exposure_queue_depth",
		Help:      "Current number of events waiting to be flushed",
	})

	// -------------------------------------------------------------------------
	// PERSISTENCE
	// -------------------------------------------------------------------------

	// PersistenceOpsTotal counts snapshot load/save calls per backend and status.
	PersistenceOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "operations_total",
		Help:      "Total snapshot persistence operations",
	}, []string{"backend", "op", "status"})

	// PoolConnections reports connection pool usage of the persistence
	// backends. State is one of total, idle, in_use, stale.
	// Metric: heimdall_persistence_pool_connections
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "pool_connections",
		Help:      "Current connections of the persistence pools by state",
	}, []string{"backend", "state"})

	// PoolTimeoutsTotal mirrors the pool's cumulative acquire timeouts.
	PoolTimeoutsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "pool_timeouts",
		Help:      "Cumulative connection acquire timeouts reported by the pool",
	}, []string{"backend"})

	// -------------------------------------------------------------------------
	// SIDECAR (HTTP + gRPC)
	// -------------------------------------------------------------------------

	// SidecarHTTPDuration measures the latency of HTTP requests.
	// Metric: heimdall_sidecar_http_handling_seconds
	SidecarHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sidecar",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP evaluation requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "path"})

	SidecarHTTPTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sidecar",
		Name:      "http_requests_total",
		Help:      "Total HTTP evaluation requests",
	}, []string{"method", "path", "code"})

	// SidecarGrpcDuration measures the latency of gRPC evaluation requests.
	SidecarGrpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sidecar",
		Name:      "grpc_handling_seconds",
		Help:      "Time taken to handle gRPC evaluation requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "code"})

	SidecarGrpcTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sidecar",
		Name:      "grpc_requests_total",
		Help:      "Total gRPC evaluation requests",
	}, []string{"method", "code"})
)
