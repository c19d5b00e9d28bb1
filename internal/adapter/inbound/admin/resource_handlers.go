package admin

import (
	"errors"
	"net/http"

	"github.com/sark-labs/sark/internal/domain/resource"
)

// --- Request/response types ---

// resourceListResponse is the JSON response for GET /admin/api/resources.
type resourceListResponse struct {
	Resources []resource.Resource `json:"resources"`
	Count     int                 `json:"count"`
}

// capabilityListResponse is the JSON response for
// GET /admin/api/resources/{id}/capabilities.
type capabilityListResponse struct {
	Capabilities []resource.Capability `json:"capabilities"`
	Count        int                   `json:"count"`
}

// refreshResponse is the JSON response for POST /admin/api/resources/{id}/refresh.
type refreshResponse struct {
	ResourceID   string `json:"resource_id"`
	Capabilities int    `json:"capabilities"`
}

// sensitivityOverrideRequest is the body for
// PUT /admin/api/capabilities/{id}/sensitivity.
type sensitivityOverrideRequest struct {
	Level  string `json:"level"`
	Author string `json:"author"`
	Reason string `json:"reason"`
}

// sensitivityHistoryResponse is the JSON response for
// GET /admin/api/capabilities/{id}/sensitivity/history.
type sensitivityHistoryResponse struct {
	CapabilityID string                       `json:"capability_id"`
	Changes      []resource.SensitivityChange `json:"changes"`
}

// --- Resource handlers ---

// handleListResources returns every registered resource.
// GET /admin/api/resources
func (h *AdminAPIHandler) handleListResources(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	resources, err := h.registry.ListResources(r.Context())
	if err != nil {
		h.logger.Error("resource list failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "resource list failed")
		return
	}
	h.respondJSON(w, http.StatusOK, resourceListResponse{
		Resources: resources,
		Count:     len(resources),
	})
}

// handleGetResource returns one resource by id.
// GET /admin/api/resources/{id}
func (h *AdminAPIHandler) handleGetResource(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	res, err := h.registry.GetResource(r.Context(), h.pathParam(r, "id"))
	if errors.Is(err, resource.ErrResourceNotFound) {
		h.respondError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		h.logger.Error("resource lookup failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "resource lookup failed")
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// handleListCapabilities returns the capabilities of one resource.
// GET /admin/api/resources/{id}/capabilities
func (h *AdminAPIHandler) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	capabilities, err := h.registry.ListCapabilities(r.Context(), h.pathParam(r, "id"))
	if errors.Is(err, resource.ErrResourceNotFound) {
		h.respondError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		h.logger.Error("capability list failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "capability list failed")
		return
	}
	h.respondJSON(w, http.StatusOK, capabilityListResponse{
		Capabilities: capabilities,
		Count:        len(capabilities),
	})
}

// handleRefreshResource re-runs discovery against one resource,
// replacing its capability set.
// POST /admin/api/resources/{id}/refresh
func (h *AdminAPIHandler) handleRefreshResource(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	id := h.pathParam(r, "id")
	capabilities, err := h.registry.RefreshResource(r.Context(), id)
	if errors.Is(err, resource.ErrResourceNotFound) {
		h.respondError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		h.logger.Error("resource refresh failed", "resource_id", id, "error", err)
		h.respondError(w, http.StatusBadGateway, "resource refresh failed: "+err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, refreshResponse{
		ResourceID:   id,
		Capabilities: len(capabilities),
	})
}

// handleResourceHealth probes every registered resource through its
// adapter and reports per-resource reachability.
// GET /admin/api/resources/health
func (h *AdminAPIHandler) handleResourceHealth(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	health, err := h.registry.HealthCheck(r.Context())
	if err != nil {
		h.logger.Error("resource health sweep failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "resource health sweep failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"resources": health})
}

// --- Capability handlers ---

// handleGetCapability returns one capability by id.
// GET /admin/api/capabilities/{id}
func (h *AdminAPIHandler) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	capability, err := h.registry.GetCapability(r.Context(), h.pathParam(r, "id"))
	if errors.Is(err, resource.ErrCapabilityNotFound) {
		h.respondError(w, http.StatusNotFound, "capability not found")
		return
	}
	if err != nil {
		h.logger.Error("capability lookup failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "capability lookup failed")
		return
	}
	h.respondJSON(w, http.StatusOK, capability)
}

// handleOverrideSensitivity manually reclassifies a capability.
// PUT /admin/api/capabilities/{id}/sensitivity
//
// Body: {"level": "critical", "author": "ops-1", "reason": "..."}
func (h *AdminAPIHandler) handleOverrideSensitivity(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	var req sensitivityOverrideRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	level, err := resource.ParseSensitivity(req.Level)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Author == "" {
		req.Author = "admin"
	}

	id := h.pathParam(r, "id")
	err = h.registry.OverrideSensitivity(r.Context(), id, level, req.Author, req.Reason)
	if errors.Is(err, resource.ErrCapabilityNotFound) {
		h.respondError(w, http.StatusNotFound, "capability not found")
		return
	}
	if err != nil {
		h.logger.Error("sensitivity override failed", "capability_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "sensitivity override failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{
		"capability_id": id,
		"level":         string(level),
	})
}

// handleSensitivityHistory returns the override trail for a capability,
// oldest first.
// GET /admin/api/capabilities/{id}/sensitivity/history
func (h *AdminAPIHandler) handleSensitivityHistory(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.respondError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	id := h.pathParam(r, "id")
	changes, err := h.registry.SensitivityHistory(r.Context(), id)
	if err != nil {
		h.logger.Error("sensitivity history failed", "capability_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "sensitivity history failed")
		return
	}
	h.respondJSON(w, http.StatusOK, sensitivityHistoryResponse{
		CapabilityID: id,
		Changes:      changes,
	})
}
