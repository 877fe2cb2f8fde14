package cadence

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/nookplot/internal/config"
	"github.com/jkaninda/nookplot/internal/events"
	"github.com/jkaninda/nookplot/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartInvalidPostSchedule(t *testing.T) {
	s := New(&config.CadenceConfig{PostSchedule: "not a cron spec"}, events.NewBus(nil), discardLogger())
	if _, err := s.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "post cadence schedule") {
		t.Fatalf("err = %v", err)
	}
}

func TestStartInvalidProjectSchedule(t *testing.T) {
	s := New(&config.CadenceConfig{ProjectSched: "61 * * * *"}, events.NewBus(nil), discardLogger())
	if _, err := s.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "project cadence schedule") {
		t.Fatalf("err = %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	s := New(&config.CadenceConfig{
		PostSchedule: "0 9 * * *",
		ProjectSched: "0 10 * * 1",
	}, events.NewBus(nil), discardLogger())
	stop, err := s.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stop()
}

func TestEmitDispatchesSignal(t *testing.T) {
	bus := events.NewBus(nil)
	var got *protocol.Signal
	bus.Subscribe(protocol.EventProactiveSignal, func(_ context.Context, env *protocol.Envelope) {
		sig, err := protocol.ParseSignal(env.Data)
		if err != nil {
			t.Errorf("parsing cadence signal: %v", err)
			return
		}
		got = sig
	})

	s := New(&config.CadenceConfig{Community: "golang"}, bus, discardLogger())
	s.emit(context.Background(), protocol.Signal{
		Type:      protocol.SignalTimeToPost,
		Community: "golang",
	}, map[string]any{"agentDomains": []string{"infra", "tooling"}})

	if got == nil {
		t.Fatal("no signal reached the bus")
	}
	if got.Type != protocol.SignalTimeToPost {
		t.Errorf("signal type = %s", got.Type)
	}
	if got.Community != "golang" {
		t.Errorf("community = %q", got.Community)
	}
	if domains := got.Strings("agentDomains"); len(domains) != 2 || domains[0] != "infra" {
		t.Errorf("agentDomains = %v", domains)
	}
}
