package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsMiddleware records a counter and a duration histogram per
// request, labelled by normalized route so path parameters do not
// explode the label space.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The scrape and probe endpoints would only measure themselves.
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := normalizeRoute(r)
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(wrapped.status)).Inc()
		})
	}
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter so event stream
// connections keep working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizeRoute maps a request to one of the fixed route labels.
func normalizeRoute(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/invoke":
		return r.Method + " /api/v1/invoke"
	case path == "/api/v1/invoke/stream":
		return r.Method + " /api/v1/invoke/stream"
	case path == "/api/v1/resources":
		return r.Method + " /api/v1/resources"
	case path == "/api/v1/capabilities":
		return r.Method + " /api/v1/capabilities"
	case path == "/api/v1/mfa/verify":
		return r.Method + " /api/v1/mfa/verify"
	case path == "/api/v1/events":
		return r.Method + " /api/v1/events"
	case strings.HasPrefix(path, "/api/v1/"):
		return r.Method + " /api/v1/*"
	default:
		return r.Method + " /*"
	}
}
