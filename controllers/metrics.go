package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	resultAssigned  = "assigned"
	resultNoOp      = "noop"
	resultConflict  = "conflict"
	resultExhausted = "exhausted"
	resultInvalid   = "invalid"
	resultError     = "error"
)

var (
	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stupidlb",
			Subsystem: "allocator",
			Name:      "reconcile_total",
			Help:      "Total number of Service reconciliations by result",
		},
		[]string{"result"},
	)

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stupidlb",
			Subsystem: "allocator",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of Service reconciliation in seconds, lock wait and inventory scan included",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	poolAddresses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stupidlb",
			Subsystem: "pool",
			Name:      "addresses",
			Help:      "Number of addresses in the pool",
		},
	)

	poolAddressesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stupidlb",
			Subsystem: "pool",
			Name:      "addresses_in_use",
			Help:      "Number of pool addresses claimed at the last assignment",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcileTotal,
		reconcileDuration,
		poolAddresses,
		poolAddressesInUse,
	)
}

func recordReconcileMetric(result string, duration float64) {
	reconcileTotal.WithLabelValues(result).Inc()
	reconcileDuration.Observe(duration)
}

func recordPoolSizeMetric(size int) {
	poolAddresses.Set(float64(size))
}

func recordPoolInUseMetric(inUse int) {
	poolAddressesInUse.Set(float64(inUse))
}
