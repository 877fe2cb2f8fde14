// Package approval implements the checkpoint that intercepts on-chain
// actions before they execute. The operator supplies a callback deciding
// each request; without one the gate auto-approves, a deliberate fail-open
// default for self-directed agents. Operators wanting fail-closed behavior
// supply a callback that returns false by default.
package approval

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jkaninda/nookplot/internal/observability"
	"github.com/jkaninda/nookplot/internal/protocol"
)

// Callback decides one approval request. Returning false rejects the action.
// An error counts as a rejection.
type Callback func(ctx context.Context, actionType protocol.ActionType, payload map[string]any, suggestedContent, actionID string) (bool, error)

// Broadcast emits an activity event. Implementations must never panic the
// caller; the gate invokes it fire-and-forget.
type Broadcast func(kind protocol.ActivityKind, summary string, details map[string]any)

// Gate routes on-chain actions through the operator's approval callback.
type Gate struct {
	callback  Callback
	broadcast Broadcast
	store     *Store
	obs       *observability.Observability
	logger    *slog.Logger
}

// NewGate creates an approval gate. callback may be nil (auto-approve).
// store may be nil; when set, every decision is recorded for the operator
// API's audit trail.
func NewGate(callback Callback, broadcast Broadcast, store *Store, obs *observability.Observability, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if broadcast == nil {
		broadcast = func(protocol.ActivityKind, string, map[string]any) {}
	}
	return &Gate{
		callback:  callback,
		broadcast: broadcast,
		store:     store,
		obs:       obs,
		logger:    logger,
	}
}

// RequestApproval asks the operator to approve an action. Without a
// configured callback it approves unconditionally. Callback failure is
// treated as rejection and reported as an error activity.
func (g *Gate) RequestApproval(ctx context.Context, actionType protocol.ActionType, payload map[string]any, suggestedContent, actionID string) bool {
	if g.callback == nil {
		g.record(ctx, actionType, payload, suggestedContent, StatusApproved, "auto")
		g.obs.CountApproval(string(actionType), "approved")
		return true
	}

	g.broadcast(protocol.ActivityApprovalRequested, fmt.Sprintf("Approval requested: %s", actionType), map[string]any{
		"action":   string(actionType),
		"actionId": actionID,
		"payload":  payload,
	})

	approved, err := g.callback(ctx, actionType, payload, suggestedContent, actionID)
	if err != nil {
		g.logger.Error("approval callback failed",
			slog.String("action", string(actionType)),
			slog.String("error", err.Error()),
		)
		g.broadcast(protocol.ActivityError, fmt.Sprintf("Approval check failed: %s", actionType), map[string]any{
			"action": string(actionType),
			"error":  err.Error(),
		})
		g.record(ctx, actionType, payload, suggestedContent, StatusDenied, "error")
		g.obs.CountApproval(string(actionType), "rejected")
		return false
	}

	if !approved {
		g.broadcast(protocol.ActivityActionRejected, fmt.Sprintf("Rejected by operator: %s", actionType), map[string]any{
			"action":   string(actionType),
			"actionId": actionID,
		})
		g.record(ctx, actionType, payload, suggestedContent, StatusDenied, "operator")
		g.obs.CountApproval(string(actionType), "rejected")
		return false
	}

	g.record(ctx, actionType, payload, suggestedContent, StatusApproved, "operator")
	g.obs.CountApproval(string(actionType), "approved")
	return true
}

// record stores the resolved decision for the audit trail. Best-effort.
func (g *Gate) record(ctx context.Context, actionType protocol.ActionType, payload map[string]any, suggestedContent string, status Status, resolver string) {
	if g.store == nil {
		return
	}
	id, err := g.store.Create(ctx, &CreateRequest{
		ActionType:       actionType,
		Payload:          payload,
		SuggestedContent: suggestedContent,
	})
	if err != nil {
		return
	}
	switch status {
	case StatusApproved:
		_ = g.store.Approve(ctx, id, resolver)
	case StatusDenied:
		_ = g.store.Deny(ctx, id, resolver)
	}
}
