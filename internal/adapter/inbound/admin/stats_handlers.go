package admin

import (
	"net/http"
)

// StatsResponse is the JSON response for GET /admin/api/stats.
type StatsResponse struct {
	Resources      int              `json:"resources"`
	Capabilities   int              `json:"capabilities"`
	Bundles        int              `json:"bundles"`
	Allowed        int64            `json:"allowed"`
	Denied         int64            `json:"denied"`
	RateLimited    int64            `json:"rate_limited"`
	Errors         int64            `json:"errors"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	ProtocolCounts map[string]int64 `json:"protocol_counts"`
	Anomalies      int64            `json:"anomalies"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
}

// handleGetStats returns dashboard statistics: catalog sizes, decision
// counters, cache counters, and anomaly detections since start.
func (h *AdminAPIHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{}

	if h.registry != nil {
		if resources, err := h.registry.ListResources(r.Context()); err == nil {
			resp.Resources = len(resources)
			for _, res := range resources {
				if capabilities, err := h.registry.ListCapabilities(r.Context(), res.ID); err == nil {
					resp.Capabilities += len(capabilities)
				}
			}
		}
	}

	if h.policyAdmin != nil {
		resp.Bundles = len(h.policyAdmin.Bundles())
		cache := h.policyAdmin.CacheStats()
		resp.CacheHits = cache.Hits
		resp.CacheMisses = cache.Misses
	}

	if h.statsService != nil {
		stats := h.statsService.GetStats()
		resp.Allowed = stats.Allowed
		resp.Denied = stats.Denied
		resp.RateLimited = stats.RateLimited
		resp.Errors = stats.Errors
		resp.UptimeSeconds = stats.UptimeSeconds
		resp.ProtocolCounts = stats.ProtocolCounts
	}

	if h.anomalySvc != nil {
		resp.Anomalies = h.anomalySvc.Detections()
	}

	// Ensure maps are never null in JSON output.
	if resp.ProtocolCounts == nil {
		resp.ProtocolCounts = make(map[string]int64)
	}

	h.respondJSON(w, http.StatusOK, resp)
}
