package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks admission decisions.
	// Labels: decision (accepted/shed/circuit_open), priority class
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "requests_total",
			Help:      "Total requests by admission decision",
		},
		[]string{"decision", "priority"},
	)

	// RequestLatency tracks the distribution of accepted-request latencies
	// in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keel",
			Name:      "request_latency_seconds",
			Help:      "Accepted request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us .. ~26s
		},
		[]string{"priority"},
	)

	// PoolSize tracks the current live object count per pool kind.
	PoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "pool_size",
			Help:      "Current pool size per object kind",
		},
		[]string{"kind"},
	)

	// PoolUtilization tracks borrowed/size per pool kind.
	PoolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "pool_utilization",
			Help:      "Pool utilization (borrowed / size) per object kind",
		},
		[]string{"kind"},
	)

	// LoadFraction tracks current concurrency / max concurrency.
	LoadFraction = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "load_fraction",
			Help:      "Current accepted concurrency as a fraction of the configured maximum",
		},
	)

	// SheddingActive reports whether admission control is currently shedding.
	SheddingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "shedding_active",
			Help:      "1 when load shedding is active, 0 otherwise",
		},
	)

	// CircuitState reports per-resource circuit state (0 closed, 1 open,
	// 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per resource (0=closed, 1=open, 2=half_open)",
		},
		[]string{"resource"},
	)

	// MemoryPressureLevel reports the derived pressure level (0 low,
	// 1 medium, 2 high, 3 critical).
	MemoryPressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "memory_pressure_level",
			Help:      "Derived memory pressure level (0=low, 1=medium, 2=high, 3=critical)",
		},
	)
)
