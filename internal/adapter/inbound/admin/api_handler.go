// Package admin serves the operator JSON API: resource and capability
// inspection, sensitivity overrides, policy bundle management with
// change history, audit query and export, decision analytics, anomaly
// baselines, and challenge resolution. The surface binds to localhost
// and is meant to be reached directly or over an SSH tunnel.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/service"
)

// AdminAPIHandler provides the JSON API endpoints for the admin surface.
// Every dependency is optional; endpoints whose service is not wired
// answer 503 so a partially configured daemon still serves the rest.
type AdminAPIHandler struct {
	registry      *service.RegistryService
	policyAdmin   *service.PolicyAdminService
	auditStore    audit.Store
	decisionStore audit.DecisionStore
	anomalySvc    *service.AnomalyService
	mfaSvc        *service.MFAService
	statsService  *service.StatsService
	gatewaySvc    *service.GatewayService
	corsOrigins   []string
	buildInfo     *BuildInfo
	logger        *slog.Logger
	startTime     time.Time
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithRegistryService sets the resource registry for catalog and
// sensitivity endpoints.
func WithRegistryService(s *service.RegistryService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.registry = s }
}

// WithPolicyAdminService sets the bundle management service.
func WithPolicyAdminService(s *service.PolicyAdminService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.policyAdmin = s }
}

// WithAuditStore sets the event store for audit query and export.
func WithAuditStore(s audit.Store) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.auditStore = s }
}

// WithDecisionStore sets the decision-log store for decision queries
// and analytics.
func WithDecisionStore(s audit.DecisionStore) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.decisionStore = s }
}

// WithAnomalyService sets the behavioral baseline service.
func WithAnomalyService(s *service.AnomalyService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.anomalySvc = s }
}

// WithMFAService sets the challenge service for inspection and
// out-of-band resolution.
func WithMFAService(s *service.MFAService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.mfaSvc = s }
}

// WithStatsService sets the in-process decision counters.
func WithStatsService(s *service.StatsService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.statsService = s }
}

// WithGatewayService sets the gateway for runtime readings on the
// system endpoint (in-flight requests, breaker states).
func WithGatewayService(s *service.GatewayService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.gatewaySvc = s }
}

// WithCORSOrigins sets the Origin values browsers may call the admin
// API from. Unset means no browser origin is accepted; non-browser
// clients are unaffected.
func WithCORSOrigins(origins []string) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.corsOrigins = origins }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info *BuildInfo) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.buildInfo = info }
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// NewAdminAPIHandler creates an AdminAPIHandler with the given
// dependencies.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the admin API handler with its middleware stack.
func (h *AdminAPIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Auth status - NOT protected by auth middleware (informational).
	mux.HandleFunc("GET /admin/api/auth/status", h.handleAuthStatus)

	// All other routes are registered on a separate mux wrapped with
	// the auth middleware.
	protectedMux := http.NewServeMux()

	// Resource catalog. The literal /resources/health segment takes
	// precedence over the {id} wildcard under Go 1.22 routing.
	protectedMux.HandleFunc("GET /admin/api/resources", h.handleListResources)
	protectedMux.HandleFunc("GET /admin/api/resources/health", h.handleResourceHealth)
	protectedMux.HandleFunc("GET /admin/api/resources/{id}", h.handleGetResource)
	protectedMux.HandleFunc("GET /admin/api/resources/{id}/capabilities", h.handleListCapabilities)
	protectedMux.HandleFunc("POST /admin/api/resources/{id}/refresh", h.handleRefreshResource)

	// Capability sensitivity.
	protectedMux.HandleFunc("GET /admin/api/capabilities/{id}", h.handleGetCapability)
	protectedMux.HandleFunc("PUT /admin/api/capabilities/{id}/sensitivity", h.handleOverrideSensitivity)
	protectedMux.HandleFunc("GET /admin/api/capabilities/{id}/sensitivity/history", h.handleSensitivityHistory)

	// Policy bundles, change log, and decision cache.
	protectedMux.HandleFunc("GET /admin/api/policies", h.handleListBundles)
	protectedMux.HandleFunc("POST /admin/api/policies/validate", h.handleValidateBundle)
	protectedMux.HandleFunc("POST /admin/api/policies/reload", h.handleReloadBundles)
	protectedMux.HandleFunc("GET /admin/api/policies/cache", h.handleCacheStats)
	protectedMux.HandleFunc("GET /admin/api/policies/{name}", h.handleGetBundle)
	protectedMux.HandleFunc("PUT /admin/api/policies/{name}", h.handleWriteBundle)
	protectedMux.HandleFunc("DELETE /admin/api/policies/{name}", h.handleDeleteBundle)
	protectedMux.HandleFunc("GET /admin/api/policies/{name}/history", h.handleBundleHistory)
	protectedMux.HandleFunc("GET /admin/api/policies/{name}/history/{version}", h.handleBundleDiff)

	// Audit events and flattened decision rows.
	protectedMux.HandleFunc("GET /admin/api/audit", h.handleQueryAudit)
	protectedMux.HandleFunc("GET /admin/api/audit/export", h.handleAuditExport)
	protectedMux.HandleFunc("GET /admin/api/decisions", h.handleQueryDecisions)
	protectedMux.HandleFunc("GET /admin/api/decisions/analytics", h.handleDecisionAnalytics)

	// Behavioral baselines.
	protectedMux.HandleFunc("GET /admin/api/baselines/{principal_id}", h.handleGetBaseline)
	protectedMux.HandleFunc("POST /admin/api/baselines/{principal_id}/rebuild", h.handleRebuildBaseline)

	// TOTP enrollment, challenge inspection, out-of-band resolution.
	protectedMux.HandleFunc("POST /admin/api/mfa/enroll", h.handleEnrollTOTP)
	protectedMux.HandleFunc("GET /admin/api/challenges/{id}", h.handleInspectChallenge)
	protectedMux.HandleFunc("POST /admin/api/challenges/{id}/approve", h.handleApproveChallenge)
	protectedMux.HandleFunc("POST /admin/api/challenges/{id}/deny", h.handleDenyChallenge)

	// Stats and system info.
	protectedMux.HandleFunc("GET /admin/api/stats", h.handleGetStats)
	protectedMux.HandleFunc("GET /admin/api/system", h.handleSystemInfo)

	// Wrap protected routes with auth middleware.
	mux.Handle("/admin/api/", h.adminAuthMiddleware(protectedMux))

	// Per-IP rate limiter (60 req/min, localhost exempt).
	rateLimited := apiRateLimitMiddleware(60, 1*time.Minute, mux)
	// Browser origin guard: CORS for the allowlist, cross-site
	// mutation refusal for everything else.
	guarded := h.originGuardMiddleware(rateLimited)
	// Security headers on every response.
	return securityHeadersMiddleware(guarded)
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code
// and message.
func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into the given value.
func (h *AdminAPIHandler) readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParam extracts a named path parameter from the request URL.
func (h *AdminAPIHandler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
