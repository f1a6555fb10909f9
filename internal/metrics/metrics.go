// Package metrics provides Prometheus metrics for the poolgate storage gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Driver metrics
	driverOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolgate_driver_operation_duration_seconds",
			Help:    "Storage driver operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	driverOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_driver_operations_total",
			Help: "Total storage driver operations",
		},
		[]string{"kind", "operation", "status"},
	)

	bytesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_driver_bytes_written_total",
			Help: "Total bytes written through storage drivers",
		},
		[]string{"kind"},
	)

	// Registry metrics
	registryLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_registry_lookups_total",
			Help: "Driver registry lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	registryEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poolgate_registry_evictions_total",
			Help: "Drivers dropped from the registry (invalidation or capacity)",
		},
	)

	// Federation metrics
	federationPoolResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_federation_pool_results_total",
			Help: "Per-pool outcome of federated operations (ok, error, timeout)",
		},
		[]string{"operation", "result"},
	)

	federationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolgate_federation_duration_seconds",
			Help:    "Federated operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Reconciliation metrics
	reconcileAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_reconcile_attempts_total",
			Help: "File record write attempts by action and status",
		},
		[]string{"action", "status"},
	)

	reconcileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_reconcile_failures_total",
			Help: "File record reconciliations that exhausted their retries",
		},
		[]string{"action"},
	)

	// Pool metrics
	activePoolID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolgate_active_pool_id",
			Help: "ID of the active storage pool (0 when none is active)",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolgate_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDriverOperation records one driver call.
func RecordDriverOperation(kind, operation string, start time.Time, err error) {
	driverOperationDuration.WithLabelValues(kind, operation).Observe(time.Since(start).Seconds())
	driverOperationsTotal.WithLabelValues(kind, operation, status(err)).Inc()
}

// RecordBytesWritten adds to the bytes-written counter for a driver kind.
func RecordBytesWritten(kind string, n int64) {
	bytesWrittenTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordRegistryLookup records a registry cache hit or miss.
func RecordRegistryLookup(hit bool) {
	if hit {
		registryLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	registryLookupsTotal.WithLabelValues("miss").Inc()
}

// RecordRegistryEviction records a driver leaving the registry.
func RecordRegistryEviction() {
	registryEvictionsTotal.Inc()
}

// RecordFederationPoolResult records the outcome of one pool in a fan-out.
// result is one of "ok", "error", "timeout".
func RecordFederationPoolResult(operation, result string) {
	federationPoolResultsTotal.WithLabelValues(operation, result).Inc()
}

// RecordFederation records the duration of a whole fan-out.
func RecordFederation(operation string, duration time.Duration) {
	federationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordReconcileAttempt records one file record write attempt.
func RecordReconcileAttempt(action string, err error) {
	reconcileAttemptsTotal.WithLabelValues(action, status(err)).Inc()
}

// RecordReconcileFailure records a reconciliation that gave up.
func RecordReconcileFailure(action string) {
	reconcileFailuresTotal.WithLabelValues(action).Inc()
}

// SetActivePool sets the active pool gauge.
func SetActivePool(id int64) {
	activePoolID.Set(float64(id))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format, for the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
