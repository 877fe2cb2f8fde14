// Package events implements the subscriber registry for the gateway's
// WebSocket event stream. Delivery is at-most-once, best-effort, and in
// order per socket message; a failing subscriber never interrupts the rest.
package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/jkaninda/nookplot/internal/protocol"
)

// Handler consumes one decoded event envelope.
type Handler func(ctx context.Context, env *protocol.Envelope)

// Bus fans inbound event envelopes out to per-type and wildcard subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[protocol.EventType][]Handler
	wildcard []Handler
	logger   *slog.Logger
}

// NewBus creates an empty Bus. A nil logger discards output.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		handlers: make(map[protocol.EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType protocol.EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a wildcard handler invoked for every event, after
// the type-specific handlers.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Unsubscribe removes a previously registered handler for eventType. A nil
// handler removes every handler for that type.
func (b *Bus) Unsubscribe(eventType protocol.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		delete(b.handlers, eventType)
		return
	}
	target := reflect.ValueOf(h).Pointer()
	kept := b.handlers[eventType][:0]
	for _, existing := range b.handlers[eventType] {
		if reflect.ValueOf(existing).Pointer() != target {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, eventType)
		return
	}
	b.handlers[eventType] = kept
}

// Dispatch parses one raw socket message and delivers it to all matching
// subscribers in registration order. Malformed messages are dropped without
// error. A handler panic is logged and does not interrupt delivery to the
// remaining handlers.
func (b *Bus) Dispatch(ctx context.Context, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		b.logger.Debug("dropping malformed event", slog.Int("bytes", len(raw)))
		return
	}
	b.DispatchEnvelope(ctx, &env)
}

// DispatchEnvelope delivers an already-decoded envelope, for locally
// produced events that never crossed the socket.
func (b *Bus) DispatchEnvelope(ctx context.Context, env *protocol.Envelope) {
	if env == nil || env.Type == "" {
		return
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[env.Type]))
	copy(typed, b.handlers[env.Type])
	wild := make([]Handler, len(b.wildcard))
	copy(wild, b.wildcard)
	b.mu.RUnlock()

	for _, h := range typed {
		b.invoke(ctx, h, env)
	}
	for _, h := range wild {
		b.invoke(ctx, h, env)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(env.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, env)
}
