package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/sark-labs/sark/internal/adapter/outbound/mcp"
	"github.com/sark-labs/sark/internal/breaker"
	"github.com/sark-labs/sark/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	// Status is healthy, degraded, or unhealthy. Only unhealthy maps
	// to a 503; degraded keeps serving while something needs eyes.
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// ProcessLister exposes supervised stdio children. Implemented by the
// MCP adapter.
type ProcessLister interface {
	Processes() []mcp.ProcessInfo
}

// HealthChecker aggregates component health. Pass nil for components
// that aren't wired.
type HealthChecker struct {
	audit     *service.AuditService
	policy    *service.PolicyService
	gateway   *service.GatewayService
	processes ProcessLister
	events    *EventStream
	version   string
}

// NewHealthChecker creates a HealthChecker over the wired components.
func NewHealthChecker(
	auditSvc *service.AuditService,
	policySvc *service.PolicyService,
	gatewaySvc *service.GatewayService,
	processes ProcessLister,
	events *EventStream,
	version string,
) *HealthChecker {
	return &HealthChecker{
		audit:     auditSvc,
		policy:    policySvc,
		gateway:   gatewaySvc,
		processes: processes,
		events:    events,
		version:   version,
	}
}

// Check probes every wired component.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	status := "healthy"
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	if h.audit != nil {
		depth := h.audit.ChannelDepth()
		capacity := h.audit.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		if percentFull > 90 {
			// Sustained backpressure: the decision record is at risk.
			checks["audit"] = fmt.Sprintf("backlogged: %d/%d (%d%%)", depth, capacity, percentFull)
			status = "unhealthy"
		}
		if drops := h.audit.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
			degrade()
		}
		if writeErrs := h.audit.WriteErrors(); writeErrs > 0 {
			checks["audit_write_errors"] = fmt.Sprintf("%d failed", writeErrs)
			degrade()
		}
	} else {
		checks["audit"] = "not configured"
	}

	if h.policy != nil {
		stats := h.policy.CacheStats()
		checks["decision_cache"] = fmt.Sprintf("ok: %d/%d entries, %d hits, %d misses",
			stats.Entries, stats.Capacity, stats.Hits, stats.Misses)
	} else {
		checks["decision_cache"] = "not configured"
	}

	if h.gateway != nil {
		checks["in_flight"] = fmt.Sprintf("%d", h.gateway.InFlight())

		states := h.gateway.BreakerStates()
		open := 0
		for _, state := range states {
			if state != breaker.StateClosed {
				open++
			}
		}
		if open > 0 {
			checks["breakers"] = fmt.Sprintf("%d of %d not closed", open, len(states))
			degrade()
		} else {
			checks["breakers"] = fmt.Sprintf("ok: %d closed", len(states))
		}
	}

	if h.processes != nil {
		infos := h.processes.Processes()
		running, fatal := 0, 0
		for _, info := range infos {
			if info.State == "running" {
				running++
			}
			if info.Fatal {
				fatal++
			}
		}
		checks["stdio_children"] = fmt.Sprintf("%d running, %d fatal, %d total", running, fatal, len(infos))
		if fatal > 0 {
			degrade()
		}
	}

	if h.events != nil {
		checks["event_stream"] = fmt.Sprintf("%d subscribers, %d dropped", h.events.Subscribers(), h.events.Dropped())
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler serves the health endpoint. Unhealthy answers 503 so load
// balancers stop routing; degraded stays 200.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
