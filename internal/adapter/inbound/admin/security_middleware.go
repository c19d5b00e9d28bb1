package admin

import (
	"net/http"
	"strings"
)

// securityHeadersMiddleware sets Content Security Policy and related
// security headers on all responses. The admin surface serves JSON
// only, so the CSP forbids every resource load outright.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// originGuardMiddleware is the browser boundary for the admin API.
//
// Localhost-only auth trusts the network source, which a browser on
// the operator's machine shares. A hostile page could fire
// state-changing requests at the daemon and they would arrive from
// 127.0.0.1. The guard closes that hole by policing the Origin header:
//
//   - Requests without an Origin (curl, the CLI, SDKs) pass untouched.
//   - Origins on the configured allowlist get CORS response headers,
//     and their preflights are answered.
//   - Any other browser origin may mutate nothing: state-changing
//     methods are rejected with 403, and safe methods proceed without
//     CORS headers so the browser discards the response.
//
// Wildcard entries are honored only when configuration validation let
// them through, which production mode never does.
func (h *AdminAPIHandler) originGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			next.ServeHTTP(w, r)
		case http.MethodOptions:
			// Unknown origin preflight: answer without CORS headers so
			// the browser refuses to send the real request.
			w.WriteHeader(http.StatusNoContent)
		default:
			h.respondError(w, http.StatusForbidden, "cross-origin request refused")
		}
	})
}

// originAllowed reports whether the Origin value is on the allowlist.
func (h *AdminAPIHandler) originAllowed(origin string) bool {
	for _, allowed := range h.corsOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
