package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/nookplot/internal/config"
)

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs != nil {
		t.Errorf("obs = %v, want nil", obs)
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be present")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics should be initialized")
	}
	if obs.Metrics.Registry == nil {
		t.Error("metrics registry should be initialized")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	// Every helper should be a no-op on a nil facade.
	var o *Observability
	o.ObserveGatewayRequest("POST", 200, time.Second)
	o.CountGatewayRetry()
	o.CountSignal("dm_received", "handled")
	o.CountCooldownSuppressed()
	o.ObserveAction("vote", "completed", time.Second)
	o.CountApproval("vote", "approved")
	o.CountEvent("proactive_signal")
	o.CountHeartbeat("ws")
	o.SetSocketConnected(true)
	o.Shutdown(context.Background())
}

func TestObservability_MetricsDisabledHelpers(t *testing.T) {
	// Non-nil facade with nil Metrics must also be a no-op.
	o := &Observability{}
	o.CountSignal("dm_received", "handled")
	o.ObserveAction("vote", "error", time.Millisecond)
	o.SetSocketConnected(false)
}

func TestObservability_RecordAndGather(t *testing.T) {
	o := &Observability{Metrics: NewMetricsCollector()}

	o.CountSignal("channel_message", "handled")
	o.CountSignal("channel_message", "handled")
	o.CountSignal("dm_received", "deduped")
	o.ObserveGatewayRequest("POST", 200, 50*time.Millisecond)
	o.CountGatewayRetry()
	o.ObserveAction("vote", "completed", 10*time.Millisecond)
	o.CountApproval("vote", "approved")
	o.CountHeartbeat("http")
	o.SetSocketConnected(true)

	families, err := o.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	signals := byName["nookplot_signal_received_total"]
	if signals == nil {
		t.Fatal("nookplot_signal_received_total not found")
	}
	for _, metric := range signals.GetMetric() {
		labels := labelMap(metric.GetLabel())
		if labels["signal_type"] == "channel_message" && labels["outcome"] == "handled" {
			if got := metric.GetCounter().GetValue(); got != 2 {
				t.Errorf("channel_message handled = %v, want 2", got)
			}
		}
	}

	deduped := byName["nookplot_signal_deduplicated_total"]
	if deduped == nil {
		t.Fatal("nookplot_signal_deduplicated_total not found")
	}
	for _, metric := range deduped.GetMetric() {
		labels := labelMap(metric.GetLabel())
		if labels["signal_type"] == "dm_received" {
			if got := metric.GetCounter().GetValue(); got != 1 {
				t.Errorf("deduped dm_received = %v, want 1", got)
			}
		}
	}

	for _, name := range []string{
		"nookplot_gateway_requests_total",
		"nookplot_gateway_request_duration_seconds",
		"nookplot_gateway_rate_limit_retries_total",
		"nookplot_action_executions_total",
		"nookplot_action_execution_duration_seconds",
		"nookplot_approval_decisions_total",
		"nookplot_session_heartbeats_total",
		"nookplot_session_socket_connected",
	} {
		if byName[name] == nil {
			t.Errorf("%s not found after recording", name)
		}
	}

	gauge := byName["nookplot_session_socket_connected"]
	if gauge != nil {
		if got := gauge.GetMetric()[0].GetGauge().GetValue(); got != 1 {
			t.Errorf("socket_connected = %v, want 1", got)
		}
	}
}

func TestObservability_DedupedOnlyOnDedupedOutcome(t *testing.T) {
	o := &Observability{Metrics: NewMetricsCollector()}
	o.CountSignal("follower_gained", "handled")
	o.CountSignal("follower_gained", "skipped")

	families, err := o.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "nookplot_signal_deduplicated_total" {
			t.Error("dedup counter should not appear without a deduped outcome")
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("gateway", func(ctx context.Context) error { return nil })
	h.AddCheck("journal", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["gateway"].Status != "ok" {
		t.Errorf("gateway check = %q, want ok", status.Checks["gateway"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("journal", func(ctx context.Context) error { return errors.New("database is locked") })
	h.AddCheck("gateway", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["journal"].Status != "fail" {
		t.Errorf("journal check = %q, want fail", status.Checks["journal"].Status)
	}
	if status.Checks["journal"].Message != "database is locked" {
		t.Errorf("journal message = %q", status.Checks["journal"].Message)
	}
	if status.Checks["gateway"].Status != "ok" {
		t.Errorf("gateway check = %q, want ok", status.Checks["gateway"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}
