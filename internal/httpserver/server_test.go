package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/playmesh/signal-relay/internal/config"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, logger, BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestHealthAndVersionEndpoints(t *testing.T) {
	s := newTestServer(t, config.Config{Mode: config.ModeDev})

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	var build BuildInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &build); err != nil {
		t.Fatalf("version body: %v", err)
	}
	if build.Commit != "abc123" {
		t.Fatalf("version commit = %q", build.Commit)
	}
}

func TestReadyzFollowsServeState(t *testing.T) {
	s := newTestServer(t, config.Config{Mode: config.ModeDev})

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before serve = %d, want 503", rec.Code)
	}

	s.ready.Store(true)
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after serve = %d, want 200", rec.Code)
	}
}

func TestICEEndpointReturnsConfiguredServers(t *testing.T) {
	servers, err := config.ParseICEServersJSON(`[{"urls": "stun:stun.example.com"}]`)
	if err != nil {
		t.Fatalf("parse ice: %v", err)
	}
	s := newTestServer(t, config.Config{Mode: config.ModeDev, ICEServers: servers})

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ice status = %d", rec.Code)
	}
	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("ice body: %v", err)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com" {
		t.Fatalf("ice body = %s", rec.Body.String())
	}
}

func TestOriginPolicy(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("no origin header always passes", func(t *testing.T) {
		s := newTestServer(t, config.Config{Mode: config.ModeProduction})
		rec := httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("dev mode allows any origin", func(t *testing.T) {
		s := newTestServer(t, config.Config{Mode: config.ModeDev})
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Origin", "https://anything.example.com")
		rec := httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("production requires same host", func(t *testing.T) {
		s := newTestServer(t, config.Config{Mode: config.ModeProduction})

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Host = "relay.example.com"
		req.Header.Set("Origin", "https://relay.example.com")
		rec := httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("same host status = %d", rec.Code)
		}

		req = httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Host = "relay.example.com"
		req.Header.Set("Origin", "https://evil.example.com")
		rec = httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("cross host status = %d, want 403", rec.Code)
		}
	})

	t.Run("allow list", func(t *testing.T) {
		s := newTestServer(t, config.Config{
			Mode:           config.ModeProduction,
			AllowedOrigins: []string{"https://play.example.com"},
		})

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Origin", "https://play.example.com")
		rec := httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("allowed origin status = %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://play.example.com" {
			t.Fatalf("ACAO = %q", got)
		}

		req = httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Origin", "https://other.example.com")
		rec = httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("blocked origin status = %d, want 403", rec.Code)
		}
	})

	t.Run("malformed origin is rejected", func(t *testing.T) {
		s := newTestServer(t, config.Config{Mode: config.ModeProduction})
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Origin", "ftp://files.example.com")
		rec := httptest.NewRecorder()
		s.WithOriginPolicy(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})
}

func TestNormalizeOrigin(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://example.com", "https://example.com", "example.com", true},
		{"https://Example.COM:443", "https://example.com", "example.com", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"http://example.com:8080", "http://example.com:8080", "example.com:8080", true},
		{"null", "null", "", true},
		{"https://example.com/path", "", "", false},
		{"https://user@example.com", "", "", false},
		{"example.com", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		norm, host, ok := normalizeOrigin(tc.in)
		if norm != tc.wantNorm || host != tc.wantHost || ok != tc.wantOK {
			t.Errorf("normalizeOrigin(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}
