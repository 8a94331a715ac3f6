package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browsertest",
		Name:      "runs_started_total",
		Help:      "Number of test runs accepted.",
	})
	metricRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browsertest",
		Name:      "runs_finished_total",
		Help:      "Number of test runs that reached a terminal result, by verdict status.",
	}, []string{"status"})
	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browsertest",
		Name:      "steps_total",
		Help:      "Number of executed steps, by outcome.",
	}, []string{"outcome"})
	metricStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "browsertest",
		Name:      "step_duration_seconds",
		Help:      "Latency of browsing agent step calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	})
	metricActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browsertest",
		Name:      "active_runs",
		Help:      "Number of runs that have been accepted and not yet finished.",
	})
)

func recordRunStarted() {
	metricRunsStarted.Inc()
	metricActiveRuns.Inc()
}

func recordRunFinished(status string) {
	metricRunsFinished.WithLabelValues(status).Inc()
	metricActiveRuns.Dec()
}

func recordStep(outcome string, elapsed time.Duration) {
	metricSteps.WithLabelValues(outcome).Inc()
	metricStepDuration.Observe(elapsed.Seconds())
}
