package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/ctxkey"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/port/inbound"
	"github.com/sark-labs/sark/internal/service"
)

// LoggerKey is the context key for the request-enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or mints the request id, enriches the
// logger with it, and echoes it back in the X-Request-ID header.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			ctx := service.ContextWithRequestID(r.Context(), requestID)
			ctx = context.WithValue(ctx, LoggerKey, logger.With("request_id", requestID))
			if sessionID := r.Header.Get("X-Session-ID"); sessionID != "" {
				ctx = service.ContextWithSessionID(ctx, sessionID)
			}

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger, falling back to
// slog.Default when the middleware did not run.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware places the client address on the context for rate
// limiting and audit. X-Forwarded-For's first entry wins, then
// X-Real-IP, then the socket address.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := service.ContextWithClientIP(r.Context(), extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractRealIP resolves the caller address from proxy headers.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OriginCheck refuses browser requests from unlisted origins. Requests
// without an Origin header pass (same-origin or non-browser); with an
// empty allowlist, every cross-origin request is refused. A "*" entry
// allows any origin; config validation refuses it in production.
func OriginCheck(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok && !allowAll {
				writeError(w, http.StatusForbidden, "origin_not_allowed", "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID, X-Session-ID, Last-Event-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware resolves the caller's credential into a principal and
// places it on the context. Credentials: X-API-Key carries a raw key,
// Authorization: Bearer carries a JWT or, when the value lacks JWT
// structure, a raw key. Unauthenticated requests stop here.
func AuthMiddleware(auth inbound.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, bearer := extractCredential(r)
			if credential == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "credential required: X-API-Key or Authorization: Bearer")
				return
			}

			ctx := r.Context()
			var (
				p   *principal.Principal
				err error
			)
			if bearer {
				p, err = auth.AuthenticateBearer(ctx, credential)
			} else {
				p, err = auth.AuthenticateAPIKey(ctx, credential)
			}
			if err != nil {
				LoggerFromContext(ctx).Warn("authentication failed",
					"client_ip", extractRealIP(r),
					"bearer", bearer,
					"error", err,
				)
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid credential")
				return
			}

			next.ServeHTTP(w, r.WithContext(service.ContextWithPrincipal(ctx, p)))
		})
	}
}

// extractCredential returns the raw credential and whether it should
// verify as a bearer token. A bearer value without two dots cannot be
// a JWT and falls back to API-key verification so clients may send
// keys through either header.
func extractCredential(r *http.Request) (string, bool) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, false
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		token = strings.TrimSpace(token)
		return token, strings.Count(token, ".") == 2
	}
	return "", false
}
