// Package metrics exposes Prometheus instrumentation for run execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsStarted tracks runs entering execution.
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockflow_runs_started_total",
			Help: "Total runs started by trigger type",
		},
		[]string{"trigger_type"},
	)

	// runsCompleted tracks terminal run states.
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockflow_runs_completed_total",
			Help: "Total runs reaching a terminal state by status",
		},
		[]string{"status"},
	)

	// runDuration observes end-to-end run durations.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockflow_run_duration_seconds",
			Help:    "Run duration from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"status"},
	)

	// stepsExecuted tracks individual step attempts.
	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockflow_steps_executed_total",
			Help: "Total step attempts by block type and status",
		},
		[]string{"block_type", "status"},
	)

	// runsActive tracks runs currently executing.
	runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockflow_runs_active",
			Help: "Number of runs currently executing",
		},
	)

	// runsPaused tracks runs awaiting user action.
	runsPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockflow_runs_awaiting_action",
			Help: "Number of runs paused on a UI block",
		},
	)

	// subscribersDropped tracks event subscribers removed for falling behind.
	subscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockflow_event_subscribers_dropped_total",
			Help: "Total event subscribers dropped because their buffer filled",
		},
	)
)

// RecordRunStarted increments the started counter and the active gauge.
func RecordRunStarted(triggerType string) {
	runsStarted.WithLabelValues(triggerType).Inc()
	runsActive.Inc()
}

// RecordRunFinished records a terminal state and releases the active gauge.
func RecordRunFinished(status string, duration time.Duration) {
	runsCompleted.WithLabelValues(status).Inc()
	runDuration.WithLabelValues(status).Observe(duration.Seconds())
	runsActive.Dec()
}

// RecordRunPaused moves a run from active to paused.
func RecordRunPaused() {
	runsPaused.Inc()
	runsActive.Dec()
}

// RecordRunResumed moves a run from paused back to active.
func RecordRunResumed() {
	runsPaused.Dec()
	runsActive.Inc()
}

// RecordSubscriberDropped counts a slow subscriber removed from a topic.
func RecordSubscriberDropped() {
	subscribersDropped.Inc()
}

// RecordStep increments the step counter.
func RecordStep(blockType, status string) {
	stepsExecuted.WithLabelValues(blockType, status).Inc()
}
