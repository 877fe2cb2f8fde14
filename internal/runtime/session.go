// Package runtime manages the live gateway session: the runtime connect
// handshake, the ticket-authenticated WebSocket event stream, channel
// auto-subscription, and the keepalive heartbeat. When the socket cannot be
// established the session degrades to HTTP-only heartbeats; REST calls keep
// working without real-time events.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/nookplot/internal/events"
	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/observability"
	"github.com/jkaninda/nookplot/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	maxSocketRetries         = 3
	socketRetryBase          = 5 * time.Second
)

// Session is the stateful connection between this runtime and the gateway.
type Session struct {
	client *gateway.Client
	bus    *events.Bus
	logger *slog.Logger
	obs    *observability.Observability

	heartbeatInterval time.Duration

	// sleep is swappable so socket retry timing is testable.
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	agentID   string
	address   string
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithHeartbeatInterval overrides the keepalive interval.
func WithHeartbeatInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithSessionObservability attaches metrics to the session.
func WithSessionObservability(obs *observability.Observability) SessionOption {
	return func(s *Session) { s.obs = obs }
}

// NewSession creates a Session over an authenticated gateway client. Events
// read from the socket are dispatched onto the bus.
func NewSession(client *gateway.Client, bus *events.Bus, logger *slog.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{
		client:            client,
		bus:               bus,
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the runtime session: HTTP handshake, event socket,
// and heartbeat loop. Socket failure is not fatal; the session falls back
// to HTTP heartbeats without real-time events.
func (s *Session) Connect(ctx context.Context) (*protocol.ConnectResponse, error) {
	raw, err := s.client.Request(ctx, "POST", "/v1/runtime/connect", nil)
	if err != nil {
		return nil, fmt.Errorf("runtime connect: %w", err)
	}
	var resp protocol.ConnectResponse
	if err := unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("runtime connect: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.agentID = resp.AgentID
	s.address = resp.Address
	s.connected = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.startSocket(ctx, sessionCtx)
	go s.heartbeatLoop(sessionCtx)

	s.logger.Info("connected to gateway",
		slog.String("agent_id", resp.AgentID),
		slog.String("address", resp.Address),
	)
	return &resp, nil
}

// Connected reports whether the runtime session is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SessionID returns the gateway session identifier.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// AgentID returns the agent identifier assigned at connect.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// Address returns the agent's on-network address.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Listen blocks until the context is cancelled, then disconnects.
func (s *Session) Listen(ctx context.Context) {
	s.logger.Info("listening for events")
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Disconnect(shutdownCtx)
}

// Disconnect tears the session down: heartbeats stop and are awaited, the
// socket closes, and the gateway session is released. The release call is
// best-effort.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "runtime shutting down")
	}
	s.obs.SetSocketConnected(false)

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Debug("heartbeat loop still running at disconnect deadline")
		}
	}

	if _, err := s.client.Request(ctx, "POST", "/v1/runtime/disconnect", nil); err != nil {
		s.logger.Debug("session release failed", slog.String("error", err.Error()))
	}
	s.logger.Info("disconnected from gateway")
}

// startSocket opens the event WebSocket. Failures retry with exponential
// backoff; after the retry budget is exhausted the session continues
// without a socket.
func (s *Session) startSocket(ctx context.Context, sessionCtx context.Context) {
	for attempt := 0; ; attempt++ {
		err := s.dialSocket(ctx, sessionCtx)
		if err == nil {
			return
		}
		if attempt >= maxSocketRetries {
			s.logger.Warn("event socket unavailable, continuing without real-time events",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return
		}
		delay := socketRetryBase * (1 << attempt)
		s.logger.Warn("event socket connection failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("backoff", delay.String()),
			slog.String("error", err.Error()),
		)
		if s.sleep(ctx, delay) != nil {
			return
		}
	}
}

func (s *Session) dialSocket(ctx context.Context, sessionCtx context.Context) error {
	raw, err := s.client.Request(ctx, "POST", "/v1/ws/ticket", nil)
	if err != nil {
		return fmt.Errorf("ws ticket: %w", err)
	}
	var ticket protocol.TicketResponse
	if err := unmarshal(raw, &ticket); err != nil {
		return fmt.Errorf("ws ticket: %w", err)
	}
	if ticket.Ticket == "" {
		// The gateway would reject an unauthenticated dial anyway.
		s.logger.Warn("empty socket ticket received, skipping event socket")
		return nil
	}

	conn, _, err := websocket.Dial(ctx, s.socketURL(ticket.Ticket), nil)
	if err != nil {
		return fmt.Errorf("dialing event socket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.obs.SetSocketConnected(true)
	s.logger.Debug("event socket connected")

	s.subscribeChannels(ctx, conn)
	go s.readLoop(sessionCtx, conn)
	return nil
}

// socketURL swaps the HTTP scheme for the WS one and appends the ticket.
// The socket endpoint sits outside the /v1 prefix.
func (s *Session) socketURL(ticket string) string {
	base := s.client.BaseURL()
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/ws/runtime?ticket=" + url.QueryEscape(ticket)
}

// subscribeChannels asks the gateway to deliver traffic for every channel
// the agent is already a member of. Best-effort: a fresh agent may not have
// any channels yet.
func (s *Session) subscribeChannels(ctx context.Context, conn *websocket.Conn) {
	channels, err := s.client.Channels.List(ctx, "", 50)
	if err != nil {
		s.logger.Debug("channel listing failed, skipping auto-subscribe", slog.String("error", err.Error()))
		return
	}
	for _, ch := range channels {
		if !ch.IsMember {
			continue
		}
		frame := protocol.ChannelSubscribeFrame{Type: protocol.EventChannelSubscribe, ChannelID: ch.ID}
		if err := writeJSON(ctx, conn, frame); err != nil {
			s.logger.Debug("channel subscribe failed", slog.String("channel", ch.ID), slog.String("error", err.Error()))
			return
		}
		slug := ch.Slug
		if slug == "" {
			slug = ch.ID
		}
		s.logger.Debug("auto-subscribed to channel", slog.String("channel", slug))
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			open := s.connected
			s.mu.Unlock()
			s.obs.SetSocketConnected(false)
			if open && ctx.Err() == nil {
				s.logger.Warn("event socket closed", slog.String("error", err.Error()))
			}
			return
		}
		s.bus.Dispatch(ctx, data)
	}
}

// heartbeatLoop keeps the gateway session alive. Heartbeats prefer the
// socket and fall back to the HTTP endpoint when it is down. A failed beat
// is logged and retried on the next tick.
func (s *Session) heartbeatLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.beat(ctx); err != nil {
				s.logger.Debug("heartbeat failed, will retry next interval", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Session) beat(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		frame := protocol.HeartbeatFrame{
			Type:      protocol.EventHeartbeat,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := writeJSON(ctx, conn, frame); err == nil {
			s.obs.CountHeartbeat("ws")
			return nil
		}
	}
	if _, err := s.client.Request(ctx, "POST", "/v1/runtime/heartbeat", nil); err != nil {
		return err
	}
	s.obs.CountHeartbeat("http")
	return nil
}
