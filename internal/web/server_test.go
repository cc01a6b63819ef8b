package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServerRoutesChatUnderPrefix(t *testing.T) {
	chat := newTestHandler(handlerConfig{})
	srv := NewServer(Config{Host: "127.0.0.1", APIPrefix: "api/v1"}, chat, nil, nil)

	if got := srv.ChatPath(); got != "/api/v1/chat" {
		t.Fatalf("ChatPath = %q, want /api/v1/chat", got)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"query":"hi"}`))
	req.RemoteAddr = "192.0.2.10:4242"
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("POST /api/v1/chat status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"query":"hi"}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /chat status = %d, want 404", rec.Code)
	}
}

func TestServerHealthz(t *testing.T) {
	srv := NewServer(Config{Host: "127.0.0.1"}, newTestHandler(handlerConfig{}), nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0}, newTestHandler(handlerConfig{}), nil, nil)

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (body %q)", resp.StatusCode, body)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"/api/v1", "/api/v1"},
		{"/api/v1/", "/api/v1"},
		{"api/v1", "/api/v1"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
