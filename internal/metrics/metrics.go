// Package metrics exposes the agent's Prometheus gauges and counters,
// following the promauto registration style the rest of the fleet's
// services use for fleet-wide and per-resource metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerTicks counts every periodic task tick, labeled by task name,
	// so a flatlined counter in monitoring means a stuck goroutine.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseshift_agent_scheduler_ticks_total",
		Help: "Number of scheduler ticks executed, by task.",
	}, []string{"task"})

	// ControllerCallsTotal counts controller client calls by endpoint and
	// outcome (ok/error).
	ControllerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseshift_agent_controller_calls_total",
		Help: "Number of controller client calls, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// ControllerCallDuration tracks controller round-trip latency by endpoint.
	ControllerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leaseshift_agent_controller_call_duration_seconds",
		Help:    "Controller client call duration in seconds, by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// MigrationsTotal counts migration outcomes by result (done/aborted).
	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseshift_agent_migrations_total",
		Help: "Number of migrations attempted, by outcome.",
	}, []string{"outcome"})

	// MigrationInProgress is 1 while a migration is running, 0 otherwise.
	MigrationInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leaseshift_agent_migration_in_progress",
		Help: "1 while a migration is actively running, 0 otherwise.",
	})

	// FixedPriceUSD publishes the last observed fixed hourly rate.
	FixedPriceUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leaseshift_agent_fixed_price_usd_per_hour",
		Help: "Last observed fixed-lease hourly price in USD.",
	})

	// ReclaimablePriceUSD publishes the last observed reclaimable price
	// per pool.
	ReclaimablePriceUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leaseshift_agent_reclaimable_price_usd_per_hour",
		Help: "Last observed reclaimable price in USD per hour, by pool.",
	}, []string{"pool_id"})
)

// ObserveControllerCall records the outcome and duration of one controller
// client call for the given endpoint.
func ObserveControllerCall(endpoint string, seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ControllerCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	ControllerCallDuration.WithLabelValues(endpoint).Observe(seconds)
}
