package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubProvider struct {
	name string
	text string
	err  error

	calls int
}

func (s *stubProvider) Complete(context.Context, string, string) (string, error) {
	s.calls++
	return s.text, s.err
}

func (s *stubProvider) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFallbackFirstProviderWins(t *testing.T) {
	primary := &stubProvider{name: "primary", text: "from primary"}
	backup := &stubProvider{name: "backup", text: "from backup"}
	f := NewFallbackProvider([]Provider{primary, backup}, discardLogger())

	got, err := f.Complete(context.Background(), "sys", "prompt")
	if err != nil || got != "from primary" {
		t.Fatalf("Complete = (%q, %v)", got, err)
	}
	if backup.calls != 0 {
		t.Error("backup consulted although primary succeeded")
	}
}

func TestFallbackChainsOnError(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("rate limited")}
	backup := &stubProvider{name: "backup", text: "rescued"}
	f := NewFallbackProvider([]Provider{primary, backup}, discardLogger())

	got, err := f.Complete(context.Background(), "sys", "prompt")
	if err != nil || got != "rescued" {
		t.Fatalf("Complete = (%q, %v)", got, err)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls = %d/%d", primary.calls, backup.calls)
	}
}

func TestFallbackReturnsLastError(t *testing.T) {
	first := errors.New("first down")
	last := errors.New("last down")
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: first},
		&stubProvider{name: "b", err: last},
	}, discardLogger())

	_, err := f.Complete(context.Background(), "", "p")
	if !errors.Is(err, last) {
		t.Fatalf("err = %v, want last provider's error", err)
	}
}

func TestFallbackEmptyChainPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty chain")
		}
	}()
	NewFallbackProvider(nil, discardLogger())
}
