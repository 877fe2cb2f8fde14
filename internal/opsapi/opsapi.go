// Package opsapi exposes the operator-facing HTTP surface: health and
// readiness probes, Prometheus metrics, the persisted activity feed, and
// the interactive approval queue. It is a local control plane for the
// human supervising the agent, entirely separate from the gateway protocol.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Probes and metrics are unauthenticated, intended for scrapers
//   - TLS expected via reverse proxy (not handled here)
package opsapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/nookplot/internal/approval"
	"github.com/jkaninda/nookplot/internal/journal"
	"github.com/jkaninda/nookplot/internal/observability"
	"github.com/jkaninda/nookplot/internal/protocol"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// SessionInfo reports the live gateway session, for GET /v1/status.
type SessionInfo interface {
	Connected() bool
	SessionID() string
	AgentID() string
	Address() string
}

// Config configures the operator API server.
type Config struct {
	ListenAddr      string // e.g. ":8090"
	APIKey          string // Required for /v1 routes.
	EnableDocs      bool
	MetricsRegistry *prometheus.Registry
	HealthChecker   *observability.HealthChecker
}

// Server is the operator API server.
type Server struct {
	config    Config
	approvals *approval.Store // nil = approval endpoints disabled
	feed      *journal.Journal
	session   SessionInfo
	logger    *slog.Logger
	okapi     *okapi.Okapi
	server    *http.Server
}

// NewServer creates an operator API server. approvals and feed may be nil;
// their endpoints respond 503 in that case.
func NewServer(cfg Config, approvals *approval.Store, feed *journal.Journal, session SessionInfo, logger *slog.Logger) *Server {
	return &Server{
		config:    cfg,
		approvals: approvals,
		feed:      feed,
		session:   session,
		logger:    logger,
		okapi:     okapi.New(),
	}
}

// Start registers routes and serves until Stop. Blocks.
func (s *Server) Start(ctx context.Context) error {
	group := s.okapi.Group("/v1", s.authenticate)

	group.Get("/status", s.handleStatus,
		okapi.DocSummary("Current session status"),
		okapi.DocTags("Status"),
		okapi.DocResponse(StatusResponse{}),
	)
	group.Get("/activity", s.handleActivity,
		okapi.DocSummary("Recent activity feed"),
		okapi.DocTags("Activity"),
		okapi.DocResponse(ActivityResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	group.Get("/approvals", s.handleApprovalList,
		okapi.DocSummary("Pending and recently resolved approvals"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse(ApprovalListResponse{}),
	)
	group.Post("/approvals/{id}/approve", s.handleApprove,
		okapi.DocSummary("Approve a pending action"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	group.Post("/approvals/{id}/deny", s.handleDeny,
		okapi.DocSummary("Deny a pending action"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)
	if s.config.MetricsRegistry != nil {
		s.okapi.HandleStd("GET", "/metrics",
			promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Nookplot Operator API",
			Version: "v1",
		})
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("operator api starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("operator api stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if s.config.APIKey == "" ||
			subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// --- Handlers ---

// StatusResponse is the JSON response for GET /v1/status.
type StatusResponse struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Address   string `json:"address,omitempty"`
}

func (s *Server) handleStatus(c *okapi.Context) error {
	if s.session == nil {
		return c.OK(StatusResponse{})
	}
	return c.OK(StatusResponse{
		Connected: s.session.Connected(),
		SessionID: s.session.SessionID(),
		AgentID:   s.session.AgentID(),
		Address:   s.session.Address(),
	})
}

// ActivityResponse is the JSON response for GET /v1/activity.
type ActivityResponse struct {
	Entries []journal.Entry `json:"entries"`
}

func (s *Server) handleActivity(c *okapi.Context) error {
	if s.feed == nil {
		return c.AbortServiceUnavailable("activity journal not configured")
	}
	query := c.Request().URL.Query()
	limit := 50
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.AbortBadRequest("limit must be an integer")
		}
		limit = n
	}
	kind := query.Get("kind")

	var entries []journal.Entry
	var err error
	if kind != "" {
		entries, err = s.feed.ByKind(c.Context(), protocol.ActivityKind(kind), limit)
	} else {
		entries, err = s.feed.Recent(c.Context(), limit)
	}
	if err != nil {
		s.logger.Error("activity listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("activity listing failed")
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return c.OK(ActivityResponse{Entries: entries})
}

// ApprovalView is one approval in list responses.
type ApprovalView struct {
	ID               string         `json:"id"`
	ActionType       string         `json:"actionType"`
	Payload          map[string]any `json:"payload,omitempty"`
	SuggestedContent string         `json:"suggestedContent,omitempty"`
	Status           string         `json:"status"`
	ResolvedBy       string         `json:"resolvedBy,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	ExpiresAt        time.Time      `json:"expiresAt"`
}

// ApprovalListResponse is the JSON response for GET /v1/approvals.
type ApprovalListResponse struct {
	Approvals []ApprovalView `json:"approvals"`
}

// DecisionResponse is the JSON response for approval decisions.
type DecisionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleApprovalList(c *okapi.Context) error {
	if s.approvals == nil {
		return c.AbortServiceUnavailable("approvals not configured")
	}
	pending := s.approvals.List(c.Context())
	views := make([]ApprovalView, 0, len(pending))
	for _, p := range pending {
		views = append(views, ApprovalView{
			ID:               p.ID,
			ActionType:       string(p.ActionType),
			Payload:          p.Payload,
			SuggestedContent: p.SuggestedContent,
			Status:           p.Status.String(),
			ResolvedBy:       p.ResolvedBy,
			CreatedAt:        p.CreatedAt,
			ExpiresAt:        p.ExpiresAt,
		})
	}
	return c.OK(ApprovalListResponse{Approvals: views})
}

func (s *Server) handleApprove(c *okapi.Context) error {
	return s.decide(c, "approved", func(ctx context.Context, id string) error {
		return s.approvals.Approve(ctx, id, "operator")
	})
}

func (s *Server) handleDeny(c *okapi.Context) error {
	return s.decide(c, "denied", func(ctx context.Context, id string) error {
		return s.approvals.Deny(ctx, id, "operator")
	})
}

func (s *Server) decide(c *okapi.Context, status string, resolve func(ctx context.Context, id string) error) error {
	if s.approvals == nil {
		return c.AbortServiceUnavailable("approvals not configured")
	}
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("approval id is required")
	}
	s.logger.Info("operator approval decision",
		slog.String("approval_id", id),
		slog.String("decision", status),
	)
	if err := resolve(c.Context(), id); err != nil {
		return approvalError(c, err)
	}
	return c.OK(DecisionResponse{ID: id, Status: status})
}

// HealthResponse is the JSON response for probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}

// ApprovalCallback builds the approval gate callback backed by the store:
// each request becomes a pending entry the operator resolves over HTTP, and
// the gate blocks until a decision arrives or the entry expires. Gates
// wired with this callback must not also record to the same store.
func ApprovalCallback(store *approval.Store) approval.Callback {
	return func(ctx context.Context, actionType protocol.ActionType, payload map[string]any, suggestedContent, actionID string) (bool, error) {
		id, err := store.Create(ctx, &approval.CreateRequest{
			ActionType:       actionType,
			Payload:          payload,
			SuggestedContent: suggestedContent,
			ActionID:         actionID,
		})
		if err != nil {
			return false, err
		}
		approved, err := store.Wait(ctx, id)
		if errors.Is(err, approval.ErrExpired) {
			return false, nil
		}
		return approved, err
	}
}
