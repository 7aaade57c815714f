package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_runs_claimed_total",
			Help: "Runs claimed by supervisors, labeled by kind (fresh or resumed).",
		},
		[]string{"kind"},
	)

	runsFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_runs_finalized_total",
			Help: "Runs moved to a terminal status, labeled by status.",
		},
		[]string{"status"},
	)

	stepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_step_duration_seconds",
			Help:    "Step execution time, labeled by step and resulting status.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"step", "status"},
	)

	bulkFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_bulk_fallbacks_total",
			Help: "Bulk operations degraded to the row-by-row path, labeled by operation and error kind.",
		},
		[]string{"op", "kind"},
	)

	advanceDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_advance_decisions_total",
			Help: "Advance calls, labeled by outcome reason.",
		},
		[]string{"reason"},
	)

	activeSteps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_steps",
			Help: "Number of steps currently executing in this process.",
		},
	)
)

// RecordRunClaimed считает захват run.
func RecordRunClaimed(resumed bool) {
	kind := "fresh"
	if resumed {
		kind = "resumed"
	}
	runsClaimedTotal.WithLabelValues(kind).Inc()
}

// RecordRunFinalized считает завершение run.
func RecordRunFinalized(status string) {
	runsFinalizedTotal.WithLabelValues(status).Inc()
}

// ObserveStep записывает длительность шага.
func ObserveStep(step, status string, d time.Duration) {
	stepDurationSeconds.WithLabelValues(step, status).Observe(d.Seconds())
}

// StepStarted / StepFinished ведут gauge активных шагов.
func StepStarted()  { activeSteps.Inc() }
func StepFinished() { activeSteps.Dec() }

// RecordBulkFallback считает деградацию bulk-операции.
func RecordBulkFallback(op, kind string) {
	bulkFallbacksTotal.WithLabelValues(op, kind).Inc()
}

// RecordAdvance считает решение Advancer'а.
func RecordAdvance(reason string) {
	advanceDecisionsTotal.WithLabelValues(reason).Inc()
}
