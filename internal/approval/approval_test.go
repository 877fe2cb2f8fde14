package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jkaninda/nookplot/internal/protocol"
)

type broadcastLog struct {
	mu     sync.Mutex
	events []protocol.ActivityKind
}

func (b *broadcastLog) fn() Broadcast {
	return func(kind protocol.ActivityKind, _ string, _ map[string]any) {
		b.mu.Lock()
		b.events = append(b.events, kind)
		b.mu.Unlock()
	}
}

func (b *broadcastLog) saw(kind protocol.ActivityKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.events {
		if k == kind {
			return true
		}
	}
	return false
}

func TestGateAutoApprovesWithoutCallback(t *testing.T) {
	g := NewGate(nil, nil, nil, nil, nil)
	if !g.RequestApproval(context.Background(), protocol.ActionVote, nil, "", "") {
		t.Fatal("nil callback should auto-approve")
	}
}

func TestGateApproval(t *testing.T) {
	log := &broadcastLog{}
	cb := func(_ context.Context, actionType protocol.ActionType, _ map[string]any, _, _ string) (bool, error) {
		if actionType != protocol.ActionCreatePost {
			t.Errorf("callback got %s", actionType)
		}
		return true, nil
	}
	g := NewGate(cb, log.fn(), nil, nil, nil)

	if !g.RequestApproval(context.Background(), protocol.ActionCreatePost, map[string]any{"title": "x"}, "draft", "act-1") {
		t.Fatal("expected approval")
	}
	if !log.saw(protocol.ActivityApprovalRequested) {
		t.Error("approval request activity missing")
	}
}

func TestGateRejection(t *testing.T) {
	log := &broadcastLog{}
	cb := func(context.Context, protocol.ActionType, map[string]any, string, string) (bool, error) {
		return false, nil
	}
	g := NewGate(cb, log.fn(), nil, nil, nil)

	if g.RequestApproval(context.Background(), protocol.ActionVote, nil, "", "") {
		t.Fatal("expected rejection")
	}
	if !log.saw(protocol.ActivityActionRejected) {
		t.Error("rejection activity missing")
	}
}

func TestGateCallbackErrorRejects(t *testing.T) {
	log := &broadcastLog{}
	cb := func(context.Context, protocol.ActionType, map[string]any, string, string) (bool, error) {
		return true, errors.New("operator API unreachable")
	}
	g := NewGate(cb, log.fn(), nil, nil, nil)

	if g.RequestApproval(context.Background(), protocol.ActionVote, nil, "", "") {
		t.Fatal("callback error must count as rejection")
	}
	if !log.saw(protocol.ActivityError) {
		t.Error("error activity missing")
	}
}
