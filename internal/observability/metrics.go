package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_turns_total",
			Help: "Coordinator turns by final status.",
		},
		[]string{"status"},
	)
	turnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datachat_turn_duration_seconds",
			Help:    "Wall time of a full coordinator turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	turnIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datachat_turn_iterations",
			Help:    "Reasoning loop iterations used per turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 12, 20},
		},
	)
	toolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_tool_invocations_total",
			Help: "Worker tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_model_calls_total",
			Help: "Model backend calls by role and error kind (none on success).",
		},
		[]string{"role", "error_kind"},
	)
	modelCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_model_call_duration_seconds",
			Help:    "Model backend call latency by role.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	sandboxRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_sandbox_runs_total",
			Help: "Sandbox executions by outcome.",
		},
		[]string{"outcome"},
	)
	sandboxDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datachat_sandbox_duration_seconds",
			Help:    "Sandbox execution time including plot rendering.",
			Buckets: prometheus.DefBuckets,
		},
	)
	plotsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datachat_plots_written_total",
			Help: "PNG plots persisted by the sandbox.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		turnDurationSeconds,
		turnIterations,
		toolInvocationsTotal,
		modelCallsTotal,
		modelCallDurationSeconds,
		sandboxRunsTotal,
		sandboxDurationSeconds,
		plotsWrittenTotal,
	)
}

func ObserveTurn(status string, iterations int, elapsed time.Duration) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDurationSeconds.Observe(elapsed.Seconds())
	if iterations > 0 {
		turnIterations.Observe(float64(iterations))
	}
}

func ObserveToolInvocation(tool, outcome string) {
	toolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
}

func ObserveModelCall(role, errorKind string, elapsed time.Duration) {
	modelCallsTotal.WithLabelValues(role, errorKind).Inc()
	modelCallDurationSeconds.WithLabelValues(role).Observe(elapsed.Seconds())
}

func ObserveSandboxRun(ok bool, plots int, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	sandboxRunsTotal.WithLabelValues(outcome).Inc()
	sandboxDurationSeconds.Observe(elapsed.Seconds())
	if plots > 0 {
		plotsWrittenTotal.Add(float64(plots))
	}
}
