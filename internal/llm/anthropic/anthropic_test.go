package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComplete(t *testing.T) {
	var gotReq apiRequest
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient("sk-test", "claude-sonnet-4-5", discardLogger(), WithBaseURL(srv.URL))
	got, err := c.Complete(context.Background(), "You are terse.", "Say hi")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello world" {
		t.Errorf("Complete = %q", got)
	}
	if gotKey != "sk-test" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("Anthropic-Version = %q", gotVersion)
	}
	if gotReq.System != "You are terse." {
		t.Errorf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" || gotReq.Messages[0].Content != "Say hi" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
}

func TestCompleteSkipsNonTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"thinking","text":"hmm"},{"type":"text","text":"answer"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	got, err := c.Complete(context.Background(), "", "q")
	if err != nil {
		t.Fatal(err)
	}
	if got != "answer" {
		t.Errorf("Complete = %q", got)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := c.Complete(context.Background(), "", "q")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
}

func TestWithMaxTokens(t *testing.T) {
	var gotReq apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL), WithMaxTokens(256))
	if _, err := c.Complete(context.Background(), "", "q"); err != nil {
		t.Fatal(err)
	}
	if gotReq.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
}
