package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepRuns counts sweeper passes over the stalled-task set.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskline_sweep_runs_total",
		Help: "Total number of sweeper passes",
	})

	// SweepDuration tracks how long a sweeper pass takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskline_sweep_duration_seconds",
		Help:    "Time taken by a sweeper pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	// TimeoutOutcomes counts what the reassignment policy did with each
	// timed-out task.
	TimeoutOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskline_timeout_outcomes_total",
		Help: "Outcomes of deadline-expired tasks by policy result",
	}, []string{"outcome"}) // outcome: reassigned, reopened, expired

	// SweepConflicts counts tasks skipped because a review or another sweep
	// mutated them first.
	SweepConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskline_sweep_conflicts_total",
		Help: "Stalled tasks skipped due to concurrent mutation",
	})

	// SweepErrors counts per-task sweep failures.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskline_sweep_errors_total",
		Help: "Per-task errors during sweeper passes",
	})

	// WebhookDeliveries counts webhook delivery attempts by final result.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskline_webhook_deliveries_total",
		Help: "Webhook deliveries by result",
	}, []string{"result"}) // result: delivered, dropped
)
