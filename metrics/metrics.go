// Package metrics holds the Prometheus collectors of the billing engine.
// Collectors register on the default registry; /metrics serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_runs_total",
			Help: "Notification sweeps by outcome (success, partial)",
		},
		[]string{"outcome"},
	)

	SweepEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_entities_total",
			Help: "Entities visited by the notification sweep",
		},
		[]string{"kind", "result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_sweep_duration_seconds",
			Help:    "Duration of a notification sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BondNumberRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_bond_number_retries_total",
			Help: "Bond numbers rejected by the unique constraint and renumbered",
		},
	)

	PeriodsAllocated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_periods_allocated_total",
			Help: "Rental periods created by the allocator",
		},
		[]string{"kind"},
	)
)

// Sweep entity results.
const (
	ResultCreated = "created"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)
