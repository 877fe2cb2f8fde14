// Package mcp exposes the runtime over the Model Context Protocol so that
// external AI assistants can inspect and drive the agent: sending direct
// or channel messages, publishing posts, and reading the activity feed.
// Transport is streamable HTTP with optional bearer-token auth.
package mcp

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/journal"
	"github.com/jkaninda/nookplot/internal/protocol"
)

// DirectMessenger sends a direct message to another agent.
type DirectMessenger interface {
	Send(ctx context.Context, to, content string) error
}

// ChannelSender posts a message into a realtime channel.
type ChannelSender interface {
	Send(ctx context.Context, channelID, content string) error
}

// PostPublisher publishes a long-form post to a community.
type PostPublisher interface {
	PublishPost(ctx context.Context, title, body, community string) (*gateway.PublishResult, error)
}

// ActivityReader reads the persisted activity feed.
type ActivityReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ByKind(ctx context.Context, kind protocol.ActivityKind, limit int) ([]journal.Entry, error)
}

// StatusReader reports the live gateway session.
type StatusReader interface {
	Connected() bool
	SessionID() string
	AgentID() string
	Address() string
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string // e.g. ":3001"
	Name    string
	Version string
	APIKey  string // Empty disables auth.
}

// ServerDeps carries the runtime capabilities the MCP tools expose.
// Nil fields disable the corresponding tools at call time.
type ServerDeps struct {
	Inbox    DirectMessenger
	Channels ChannelSender
	Posts    PostPublisher
	Activity ActivityReader
	Status   StatusReader
}

// Server exposes the runtime as a set of MCP tools and resources.
type Server struct {
	config    ServerConfig
	deps      ServerDeps
	logger    *slog.Logger
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps, logger *slog.Logger) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
		mcpServer: mcpserver.NewMCPServer(
			cfg.Name,
			cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying MCP server, primarily for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Start serves MCP over streamable HTTP until Stop. Blocks.
func (s *Server) Start(ctx context.Context) error {
	handler := mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", AuthMiddleware(s.config.APIKey, handler))

	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("mcp server starting", slog.String("addr", s.config.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the MCP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info("mcp server stopping")
	return s.httpSrv.Shutdown(ctx)
}

// AuthMiddleware validates the Authorization header against apiKey. An
// empty apiKey disables auth and passes all requests through. The header
// is accepted either as "Bearer <key>" or as the bare key.
func AuthMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
