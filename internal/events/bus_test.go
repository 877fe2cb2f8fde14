package events

import (
	"context"
	"testing"

	"github.com/jkaninda/nookplot/internal/protocol"
)

func TestDispatchRoutesByType(t *testing.T) {
	bus := NewBus(nil)
	var gotType protocol.EventType
	var gotData string
	bus.Subscribe(protocol.EventMessageReceived, func(_ context.Context, env *protocol.Envelope) {
		gotType = env.Type
		var payload struct {
			Content string `json:"content"`
		}
		_ = env.Decode(&payload)
		gotData = payload.Content
	})

	bus.Dispatch(context.Background(), []byte(`{"type":"message.received","data":{"content":"hi"}}`))

	if gotType != protocol.EventMessageReceived {
		t.Fatalf("handler got type %q", gotType)
	}
	if gotData != "hi" {
		t.Fatalf("handler got content %q", gotData)
	}
}

func TestDispatchIgnoresOtherTypes(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.Subscribe(protocol.EventHeartbeat, func(context.Context, *protocol.Envelope) {
		called = true
	})

	bus.Dispatch(context.Background(), []byte(`{"type":"message.received"}`))

	if called {
		t.Fatal("handler fired for a different event type")
	}
}

func TestDispatchDropsMalformed(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.SubscribeAll(func(context.Context, *protocol.Envelope) { called = true })

	bus.Dispatch(context.Background(), []byte(`not json at all`))
	bus.Dispatch(context.Background(), []byte(`{"data":{}}`))

	if called {
		t.Fatal("malformed message reached a subscriber")
	}
}

func TestWildcardRunsAfterTyped(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.SubscribeAll(func(context.Context, *protocol.Envelope) {
		order = append(order, "wildcard")
	})
	bus.Subscribe(protocol.EventHeartbeat, func(context.Context, *protocol.Envelope) {
		order = append(order, "typed")
	})

	bus.Dispatch(context.Background(), []byte(`{"type":"heartbeat"}`))

	if len(order) != 2 || order[0] != "typed" || order[1] != "wildcard" {
		t.Fatalf("delivery order = %v", order)
	}
}

func TestPanickingHandlerIsolated(t *testing.T) {
	bus := NewBus(nil)
	survived := false
	bus.Subscribe(protocol.EventHeartbeat, func(context.Context, *protocol.Envelope) {
		panic("boom")
	})
	bus.Subscribe(protocol.EventHeartbeat, func(context.Context, *protocol.Envelope) {
		survived = true
	})

	bus.Dispatch(context.Background(), []byte(`{"type":"heartbeat"}`))

	if !survived {
		t.Fatal("panic in one handler blocked the next")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var aCalls, bCalls int
	a := func(context.Context, *protocol.Envelope) { aCalls++ }
	b := func(context.Context, *protocol.Envelope) { bCalls++ }
	bus.Subscribe(protocol.EventHeartbeat, a)
	bus.Subscribe(protocol.EventHeartbeat, b)

	bus.Unsubscribe(protocol.EventHeartbeat, a)
	bus.Dispatch(context.Background(), []byte(`{"type":"heartbeat"}`))
	if aCalls != 0 || bCalls != 1 {
		t.Fatalf("after removing one handler: a=%d b=%d", aCalls, bCalls)
	}

	bus.Unsubscribe(protocol.EventHeartbeat, nil)
	bus.Dispatch(context.Background(), []byte(`{"type":"heartbeat"}`))
	if bCalls != 1 {
		t.Fatalf("nil unsubscribe did not clear remaining handlers, b=%d", bCalls)
	}
}

func TestDispatchEnvelopeLocalEvent(t *testing.T) {
	bus := NewBus(nil)
	var got string
	bus.Subscribe(protocol.EventProactiveSignal, func(_ context.Context, env *protocol.Envelope) {
		var sig map[string]any
		_ = env.Decode(&sig)
		got, _ = sig["signalType"].(string)
	})

	env, err := protocol.NewEnvelope(protocol.EventProactiveSignal, map[string]any{"signalType": "dm_received"})
	if err != nil {
		t.Fatal(err)
	}
	bus.DispatchEnvelope(context.Background(), env)

	if got != "dm_received" {
		t.Fatalf("local envelope payload = %q", got)
	}
}
