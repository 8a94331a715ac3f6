package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browsertest",
		Subsystem: "agent",
		Name:      "sessions_opened_total",
		Help:      "Number of browsing agent sessions opened.",
	})
	metricSessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browsertest",
		Subsystem: "agent",
		Name:      "session_errors_total",
		Help:      "Number of browsing agent sessions that failed to open.",
	})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browsertest",
		Subsystem: "agent",
		Name:      "active_sessions",
		Help:      "Browsing agent sessions currently open.",
	})
)

func recordSessionOpened() {
	metricSessionsOpened.Inc()
	metricActiveSessions.Inc()
}

func recordSessionError() {
	metricSessionErrors.Inc()
}

func recordSessionClosed() {
	metricActiveSessions.Dec()
}
