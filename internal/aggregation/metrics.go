package aggregation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/aevon-lab/completion-aggregator/internal/aggregation")

var (
	// updateTotal counts updater invocations by result: ok, error, scope_missing.
	updateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_aggregator_update_total",
		Help: "Aggregation updater invocations by result",
	}, []string{"result"})

	// updateDuration tracks one full updater invocation, tree load included.
	updateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "completion_aggregator_update_duration_seconds",
		Help:    "Aggregation updater duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// stagedRows tracks how many aggregate rows one invocation writes.
	stagedRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "completion_aggregator_update_staged_rows",
		Help:    "Aggregate rows staged per updater invocation",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// staleResolved counts stale items marked resolved, by path: update or force.
	staleResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_aggregator_stale_resolved_total",
		Help: "Stale work items marked resolved",
	}, []string{"path"})

	// batchRuns counts drain and cleanup runs by job and outcome.
	batchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_aggregator_batch_runs_total",
		Help: "Batch job runs by job and outcome",
	}, []string{"job", "outcome"})

	// staleSelected counts unresolved items read by the drain.
	staleSelected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "completion_aggregator_stale_selected_total",
		Help: "Unresolved stale items read by the aggregation drain",
	})

	// staleDeleted counts resolved items removed by cleanup.
	staleDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "completion_aggregator_stale_deleted_total",
		Help: "Resolved stale items deleted by cleanup",
	})
)
