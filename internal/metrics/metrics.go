// Package metrics collects Prometheus metrics for the engine: turn
// admission and completion, tool execution outcomes, and scheduled job
// runs. It is deliberately narrower than a general observability layer —
// one Metrics value per process, registered with the default registry and
// served over /metrics by cmd/engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram/gauge the engine records. A nil
// *Metrics is valid everywhere it's consulted: every Record/Set method
// below is safe to call on a nil receiver, so components can be built
// without a metrics sink in tests without a separate no-op implementation.
type Metrics struct {
	TurnsSubmitted *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	ActiveSessions *prometheus.GaugeVec

	ToolExecutions *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec

	CronRuns      *prometheus.CounterVec
	HeartbeatRuns *prometheus.CounterVec
}

// New creates and registers every metric with the default Prometheus
// registry. Call once per process.
func New() *Metrics {
	return &Metrics{
		TurnsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_turns_submitted_total",
			Help: "Turns submitted to the session manager, by channel and outcome",
		}, []string{"channel", "outcome"}),

		TurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_turn_duration_seconds",
			Help:    "Wall-clock duration of a submitted turn from admission to completion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"channel"}),

		ActiveSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_active_sessions",
			Help: "Sessions with a live execution in flight, by channel",
		}, []string{"channel"}),

		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_tool_executions_total",
			Help: "Tool invocations dispatched by the registry, by tool name and outcome",
		}, []string{"tool", "outcome"}),

		ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_tool_execution_duration_seconds",
			Help:    "Duration of a single tool invocation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		CronRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cron_runs_total",
			Help: "Cron jobs fired by the scheduler, by job ID and outcome",
		}, []string{"job_id", "outcome"}),

		HeartbeatRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_heartbeat_runs_total",
			Help: "Channel heartbeats fired by the scheduler, by channel ID",
		}, []string{"channel_id"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) TurnSubmitted(channel, outcome string) {
	if m == nil {
		return
	}
	m.TurnsSubmitted.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) TurnCompleted(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) SessionStarted(channel string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Inc()
}

func (m *Metrics) SessionEnded(channel string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Dec()
}

func (m *Metrics) ToolExecuted(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) CronFired(jobID, outcome string) {
	if m == nil {
		return
	}
	m.CronRuns.WithLabelValues(jobID, outcome).Inc()
}

func (m *Metrics) HeartbeatFired(channelID string) {
	if m == nil {
		return
	}
	m.HeartbeatRuns.WithLabelValues(channelID).Inc()
}
