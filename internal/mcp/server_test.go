package mcp

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareNoKeyPassesThrough(t *testing.T) {
	srv := httptest.NewServer(AuthMiddleware("", okHandler()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareMissingHeader(t *testing.T) {
	srv := httptest.NewServer(AuthMiddleware("secret", okHandler()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv := httptest.NewServer(AuthMiddleware("secret", okHandler()))
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAuthMiddlewareValidKey(t *testing.T) {
	srv := httptest.NewServer(AuthMiddleware("secret", okHandler()))
	t.Cleanup(srv.Close)

	for _, header := range []string{"Bearer secret", "secret"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		req.Header.Set("Authorization", header)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("header %q: status = %d, want 200", header, resp.StatusCode)
		}
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer(ServerConfig{Name: "nookplot", Version: "test"}, ServerDeps{}, discardLogger())
	if s.MCPServer() == nil {
		t.Fatal("MCP server not constructed")
	}
}
