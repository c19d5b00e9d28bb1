package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sark-labs/sark/internal/port/inbound"
)

// Server is the inbound adapter that exposes the gateway REST API.
type Server struct {
	gateway        inbound.GatewayService
	auth           inbound.Authenticator
	verifier       ChallengeVerifier
	server         *http.Server
	addr           string
	allowedOrigins []string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	drainTimeout   time.Duration
	events         *EventStream
	health         *HealthChecker
	registry       *prometheus.Registry
	metrics        *Metrics
	logger         *slog.Logger
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithAllowedOrigins sets the allowed Origin values. Requests without
// an Origin header always pass; with the list empty, any request that
// carries one is refused (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithTimeouts sets the read and drain timeouts. The write timeout
// stays unbounded because SSE responses hold the connection open.
func WithTimeouts(read, drain time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if drain > 0 {
			s.drainTimeout = drain
		}
	}
}

// WithWriteTimeout bounds response writing. Zero (the default) leaves
// it unbounded; setting it breaks SSE streams longer than the limit.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithChallengeVerifier enables the /api/v1/mfa/verify route.
func WithChallengeVerifier(v ChallengeVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithEventStream serves the audit event stream at /api/v1/events.
func WithEventStream(events *EventStream) Option {
	return func(s *Server) {
		s.events = events
	}
}

// WithHealthChecker serves aggregated component health at /health.
// Without one, /health answers a bare 200.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.health = hc
	}
}

// WithRuntimeMetrics registers gauges that read live service state, in
// addition to the request metrics the middleware records.
func WithRuntimeMetrics(src RuntimeSources) Option {
	return func(s *Server) {
		RegisterRuntimeMetrics(s.registry, src)
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the gateway API server. The prometheus registry,
// Go runtime collectors, and request metrics are created here so every
// option sees them.
func NewServer(gateway inbound.GatewayService, auth inbound.Authenticator, opts ...Option) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		gateway:      gateway,
		auth:         auth,
		addr:         "127.0.0.1:8080",
		readTimeout:  10 * time.Second,
		drainTimeout: 15 * time.Second,
		registry:     registry,
		metrics:      NewMetrics(registry),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route table and middleware chain. Split from
// Start so tests can drive the full stack through httptest.
func (s *Server) Handler() http.Handler {
	api := newAPI(s.gateway, s.verifier, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/invoke", api.handleInvoke)
	mux.HandleFunc("POST /api/v1/invoke/stream", api.handleInvokeStream)
	mux.HandleFunc("GET /api/v1/resources", api.handleListResources)
	mux.HandleFunc("GET /api/v1/capabilities", api.handleListCapabilities)
	if s.verifier != nil {
		mux.HandleFunc("POST /api/v1/mfa/verify", api.handleVerifyChallenge)
	}
	if s.events != nil {
		mux.Handle("GET /api/v1/events", s.events.Handler())
	}

	// Middleware order, outermost first: metrics measures the whole
	// request, request id and client IP must precede auth so rejections
	// carry correlation fields.
	var apiHandler http.Handler = mux
	apiHandler = AuthMiddleware(s.auth)(apiHandler)
	apiHandler = OriginCheck(s.allowedOrigins)(apiHandler)
	apiHandler = RealIPMiddleware(apiHandler)
	apiHandler = RequestIDMiddleware(s.logger)(apiHandler)
	apiHandler = MetricsMiddleware(s.metrics)(apiHandler)

	root := http.NewServeMux()
	root.Handle("/api/v1/", apiHandler)
	if s.health != nil {
		root.Handle("GET /health", s.health.Handler())
	} else {
		root.Handle("GET /health", healthHandler())
	}
	root.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	root.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	return root
}

// Start begins serving and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway api listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gateway api")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the drain timeout. Event
// stream subscribers are closed first so their handlers return.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	if s.events != nil {
		s.events.Close()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("gateway api shutdown failed", "error", err)
		return err
	}
	s.logger.Info("gateway api shutdown complete")
	return nil
}

// Close shuts the server down outside the Start select loop.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}

// healthHandler is the fallback when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
