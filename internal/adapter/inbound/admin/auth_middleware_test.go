package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       bool
	}{
		{"ipv4 loopback", "127.0.0.1:12345", true},
		{"ipv6 loopback", "[::1]:12345", true},
		{"named localhost", "localhost:12345", true},
		{"remote ipv4", "192.168.1.1:12345", false},
		{"remote ipv6", "[2001:db8::1]:12345", false},
		{"portless loopback", "127.0.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if got := isLocalhost(req); got != tt.want {
				t.Errorf("isLocalhost(%q) = %v, want %v", tt.remoteAddr, got, tt.want)
			}
		})
	}
}

func TestAdminAuthMiddleware_LocalhostPassesThrough(t *testing.T) {
	h := NewAdminAPIHandler()

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := h.adminAuthMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/resources", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("middleware should pass through for localhost")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAdminAuthMiddleware_Remote_403(t *testing.T) {
	h := NewAdminAPIHandler()

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := h.adminAuthMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/resources", nil)
	req.RemoteAddr = "192.168.1.100:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("middleware should NOT pass through for remote requests")
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestAdminAuthMiddleware_ForwardedForNotTrusted(t *testing.T) {
	h := NewAdminAPIHandler()

	handler := h.adminAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// A remote caller claiming to be localhost via X-Forwarded-For is
	// still remote.
	req := httptest.NewRequest(http.MethodGet, "/admin/api/resources", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
