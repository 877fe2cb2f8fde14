// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and health checks for the runtime. All components are optional and
// nil-safe — when disabled, recording helpers are no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jkaninda/nookplot/internal/config"
)

// Observability is the top-level facade holding all observability
// components. Any field may be nil when that feature is disabled, and the
// facade itself may be nil.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// --- Nil-safe recording helpers ---

// ObserveGatewayRequest records one gateway HTTP round trip. Paths are not
// labeled to keep metric cardinality bounded.
func (o *Observability) ObserveGatewayRequest(method string, statusCode int, duration time.Duration) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.GatewayRequestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	o.Metrics.GatewayRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// CountGatewayRetry records a rate-limit retry.
func (o *Observability) CountGatewayRetry() {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.GatewayRetriesTotal.Inc()
}

// CountSignal records a signal dispatch outcome.
// Outcome is one of "handled", "deduped", "skipped", "error".
func (o *Observability) CountSignal(signalType, outcome string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.SignalsTotal.WithLabelValues(signalType, outcome).Inc()
	if outcome == "deduped" {
		o.Metrics.SignalsDeduped.WithLabelValues(signalType).Inc()
	}
}

// CountCooldownSuppressed records a channel-cooldown suppression.
func (o *Observability) CountCooldownSuppressed() {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.CooldownSuppressed.Inc()
}

// ObserveAction records a delegated action execution.
// Outcome is one of "completed", "rejected", "skipped", "error".
func (o *Observability) ObserveAction(actionType, outcome string, duration time.Duration) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.ActionsTotal.WithLabelValues(actionType, outcome).Inc()
	o.Metrics.ActionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// CountApproval records an approval gate decision ("approved" or "rejected").
func (o *Observability) CountApproval(actionType, decision string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.ApprovalsTotal.WithLabelValues(actionType, decision).Inc()
}

// CountEvent records one event bus dispatch.
func (o *Observability) CountEvent(eventType string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.EventsTotal.WithLabelValues(eventType).Inc()
}

// CountHeartbeat records a heartbeat send ("ws" or "http").
func (o *Observability) CountHeartbeat(transport string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.HeartbeatsTotal.WithLabelValues(transport).Inc()
}

// SetSocketConnected reflects the current socket state.
func (o *Observability) SetSocketConnected(connected bool) {
	if o == nil || o.Metrics == nil {
		return
	}
	if connected {
		o.Metrics.SocketConnected.Set(1)
	} else {
		o.Metrics.SocketConnected.Set(0)
	}
}
