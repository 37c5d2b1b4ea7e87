// Package metrics provides Prometheus metrics for ferry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_bytes_transferred_total",
			Help: "Total bytes moved by the stream copier",
		},
		[]string{"direction", "protocol"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_transfers_total",
			Help: "Total number of finished transfers",
		},
		[]string{"direction", "protocol", "outcome"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction", "protocol"},
	)

	// Session metrics
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_sessions_total",
			Help: "Total session open and login attempts",
		},
		[]string{"protocol", "stage", "result"},
	)

	featureResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_feature_resolutions_total",
			Help: "Capability resolutions by kind and implementation",
		},
		[]string{"protocol", "kind", "impl"},
	)

	// Batch metrics
	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_batch_items_total",
			Help: "Items processed by batch operations",
		},
		[]string{"operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_operation_duration_seconds",
			Help:    "Remote operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// AddBytes records n bytes moved in direction ("upload", "download", "copy").
func AddBytes(direction, protocol string, n int64) {
	bytesTransferred.WithLabelValues(direction, protocol).Add(float64(n))
}

// RecordTransfer records a finished transfer.
func RecordTransfer(direction, protocol, outcome string, duration time.Duration) {
	transfersTotal.WithLabelValues(direction, protocol, outcome).Inc()
	transferDuration.WithLabelValues(direction, protocol).Observe(duration.Seconds())
}

// RecordSession records an open or login attempt.
func RecordSession(protocol, stage string, success bool) {
	sessionsTotal.WithLabelValues(protocol, stage, result(success)).Inc()
}

// RecordFeature records how a capability was resolved.
func RecordFeature(protocol, kind string, native bool) {
	impl := "generic"
	if native {
		impl = "native"
	}
	featureResolutions.WithLabelValues(protocol, kind, impl).Inc()
}

// RecordBatchItem records one batch item outcome.
func RecordBatchItem(operation string, success bool) {
	batchItemsTotal.WithLabelValues(operation, result(success)).Inc()
}

// RecordOperation records a remote operation duration.
func RecordOperation(protocol, operation string, duration time.Duration) {
	operationDuration.WithLabelValues(protocol, operation).Observe(duration.Seconds())
}
