package observability

import (
	"context"
	"log/slog"
	"time"
)

const readyCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the runtime's dependencies, such
// as gateway reachability and the activity journal. Liveness is
// unconditional: a running process is alive.
type HealthChecker struct {
	checks []namedCheck
	logger *slog.Logger
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// HealthStatus is the JSON body served by the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult records the outcome of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error text on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency check. Checks run sequentially
// within a shared timeout, so they should be cheap.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error) {
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
}

// CheckHealth reports liveness.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check. Any failure degrades the aggregate
// status, but all checks still run so the response names every failing
// dependency, not only the first.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
	defer cancel()

	out := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}
	for _, c := range h.checks {
		start := time.Now()
		err := c.fn(checkCtx)
		result := CheckResult{
			Status:    "ok",
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			out.Status = "degraded"
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.name),
					slog.String("error", err.Error()))
			}
		}
		out.Checks[c.name] = result
	}
	return out
}
