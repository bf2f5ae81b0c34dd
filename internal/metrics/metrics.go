// Package metrics defines Prometheus metrics for blob storage operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// durationBuckets cover a LAN round trip up to a slow upload of a large vault.
var durationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// OperationsTotal counts storage operations by operation and classified outcome.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeweb_blob_operations_total",
			Help: "Blob storage operations by classified outcome",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration observes operation latency in seconds, token
	// acquisition included.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeweb_blob_operation_duration_seconds",
			Help:    "Blob storage operation latency in seconds",
			Buckets: durationBuckets,
		},
		[]string{"operation"},
	)

	// BytesTransferredTotal counts blob content bytes by direction.
	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeweb_blob_bytes_total",
			Help: "Blob content bytes transferred",
		},
		[]string{"direction"},
	)
)

// Register registers all collectors with reg, or with the default registry
// when reg is nil. Subsequent calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		reg.MustRegister(OperationsTotal, OperationDuration, BytesTransferredTotal)
	})
}

// ObserveOperation records one finished operation.
func ObserveOperation(operation, outcome string, elapsed time.Duration) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// AddBytes records content bytes moved in direction "in" or "out".
func AddBytes(direction string, n int) {
	BytesTransferredTotal.WithLabelValues(direction).Add(float64(n))
}
