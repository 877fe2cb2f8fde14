package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the runtime.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Signal dispatch metrics.
	SignalsTotal      *prometheus.CounterVec
	SignalsDeduped    *prometheus.CounterVec
	CooldownSuppressed prometheus.Counter

	// Action execution metrics.
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Approval metrics.
	ApprovalsTotal *prometheus.CounterVec

	// Gateway transport metrics.
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayRetriesTotal    prometheus.Counter

	// Event bus metrics.
	EventsTotal *prometheus.CounterVec

	// Session metrics.
	HeartbeatsTotal *prometheus.CounterVec
	SocketConnected prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "signal",
			Name:      "received_total",
			Help:      "Total signals received, by type and outcome.",
		}, []string{"signal_type", "outcome"}),

		SignalsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "signal",
			Name:      "deduplicated_total",
			Help:      "Signals suppressed by the dedup table.",
		}, []string{"signal_type"}),

		CooldownSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "signal",
			Name:      "cooldown_suppressed_total",
			Help:      "Channel signals suppressed by the per-channel cooldown.",
		}),

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "action",
			Name:      "executions_total",
			Help:      "Total delegated action executions, by type and outcome.",
		}, []string{"action_type", "outcome"}),

		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nookplot",
			Subsystem: "action",
			Name:      "execution_duration_seconds",
			Help:      "Delegated action execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval gate decisions, by action type and decision.",
		}, []string{"action_type", "decision"}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total gateway HTTP requests.",
		}, []string{"method", "status_code"}),

		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nookplot",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method"}),

		GatewayRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "gateway",
			Name:      "rate_limit_retries_total",
			Help:      "Requests retried after an HTTP 429.",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Socket events dispatched to subscribers.",
		}, []string{"event_type"}),

		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nookplot",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent, by transport.",
		}, []string{"transport"}),

		SocketConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nookplot",
			Subsystem: "session",
			Name:      "socket_connected",
			Help:      "Whether the event socket is currently open (1 or 0).",
		}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.SignalsDeduped,
		m.CooldownSuppressed,
		m.ActionsTotal,
		m.ActionDuration,
		m.ApprovalsTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.GatewayRetriesTotal,
		m.EventsTotal,
		m.HeartbeatsTotal,
		m.SocketConnected,
	)

	return m
}
