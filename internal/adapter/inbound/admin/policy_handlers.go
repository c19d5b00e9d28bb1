package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sark-labs/sark/internal/domain/policy"
	"github.com/sark-labs/sark/internal/service"
)

// --- Request/response types ---

// bundleWriteRequest is the body for PUT /admin/api/policies/{name}.
// Content is the raw YAML bundle source.
type bundleWriteRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// bundleValidateRequest is the body for POST /admin/api/policies/validate.
type bundleValidateRequest struct {
	Content string `json:"content"`
}

// bundleDeleteRequest is the optional body for DELETE /admin/api/policies/{name}.
type bundleDeleteRequest struct {
	Author string `json:"author"`
}

// changeEntryDTO is the JSON representation of one change-log entry.
// Diff and Content are omitted from history listings and carried in
// full on the per-version endpoint.
type changeEntryDTO struct {
	ID          string   `json:"id"`
	PolicyName  string   `json:"policy_name"`
	Version     int      `json:"version"`
	Kind        string   `json:"kind"`
	AuthorID    string   `json:"author_id"`
	ContentHash string   `json:"content_hash"`
	Approver    string   `json:"approver,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at"`
	Content     string   `json:"content,omitempty"`
	Diff        string   `json:"diff,omitempty"`
}

func toChangeEntryDTO(e *policy.ChangeEntry, full bool) changeEntryDTO {
	dto := changeEntryDTO{
		ID:          e.ID,
		PolicyName:  e.PolicyName,
		Version:     e.Version,
		Kind:        string(e.Kind),
		AuthorID:    e.AuthorID,
		ContentHash: e.ContentHash,
		Approver:    e.Approver,
		Tags:        e.Tags,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if full {
		dto.Content = e.Content
		dto.Diff = e.Diff
	}
	return dto
}

// --- Bundle handlers ---

// handleListBundles returns the loaded bundles.
// GET /admin/api/policies
func (h *AdminAPIHandler) handleListBundles(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	bundles := h.policyAdmin.Bundles()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"bundles": bundles,
		"count":   len(bundles),
	})
}

// handleGetBundle returns one bundle with its current source.
// GET /admin/api/policies/{name}
func (h *AdminAPIHandler) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	detail, err := h.policyAdmin.Bundle(r.Context(), h.pathParam(r, "name"))
	if errors.Is(err, service.ErrBundleNotFound) {
		h.respondError(w, http.StatusNotFound, "policy bundle not found")
		return
	}
	if err != nil {
		h.logger.Error("bundle lookup failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "bundle lookup failed")
		return
	}
	h.respondJSON(w, http.StatusOK, detail)
}

// handleWriteBundle validates and persists a bundle, reloading the rule
// set and invalidating cached decisions.
// PUT /admin/api/policies/{name}
//
// Body: {"author": "ops-1", "content": "<yaml bundle source>"}
func (h *AdminAPIHandler) handleWriteBundle(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	var req bundleWriteRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		h.respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Author == "" {
		req.Author = "admin"
	}

	name := h.pathParam(r, "name")
	if err := h.policyAdmin.Write(r.Context(), name, req.Author, []byte(req.Content)); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"bundle": name, "status": "written"})
}

// handleDeleteBundle removes a bundle. The default bundle and the last
// remaining bundle cannot be deleted.
// DELETE /admin/api/policies/{name}
func (h *AdminAPIHandler) handleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	var req bundleDeleteRequest
	_ = h.readJSON(r, &req) // body is optional
	if req.Author == "" {
		req.Author = "admin"
	}

	name := h.pathParam(r, "name")
	err := h.policyAdmin.Delete(r.Context(), name, req.Author)
	if errors.Is(err, service.ErrDefaultBundleDelete) {
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"bundle": name, "status": "deleted"})
}

// handleValidateBundle dry-runs bundle validation without persisting.
// POST /admin/api/policies/validate
func (h *AdminAPIHandler) handleValidateBundle(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	var req bundleValidateRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.policyAdmin.Validate([]byte(req.Content)); err != nil {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// handleReloadBundles re-reads every bundle from disk. The escape hatch
// for out-of-band edits in production, where file watching is off.
// POST /admin/api/policies/reload
func (h *AdminAPIHandler) handleReloadBundles(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	if err := h.policyAdmin.Reload(r.Context()); err != nil {
		h.logger.Error("bundle reload failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "bundle reload failed: "+err.Error())
		return
	}
	bundles := h.policyAdmin.Bundles()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reloaded",
		"bundles": len(bundles),
	})
}

// handleBundleHistory returns a bundle's change entries, newest first.
// GET /admin/api/policies/{name}/history?limit=N
func (h *AdminAPIHandler) handleBundleHistory(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		limit = n
	}

	name := h.pathParam(r, "name")
	entries, err := h.policyAdmin.History(r.Context(), name, limit)
	if err != nil {
		h.logger.Error("bundle history failed", "bundle", name, "error", err)
		h.respondError(w, http.StatusInternalServerError, "bundle history failed")
		return
	}
	dtos := make([]changeEntryDTO, len(entries))
	for i, entry := range entries {
		dtos[i] = toChangeEntryDTO(entry, false)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"policy_name": name,
		"entries":     dtos,
		"count":       len(dtos),
	})
}

// handleBundleDiff returns the change entry at an exact version with
// its full content and unified diff against the previous version.
// GET /admin/api/policies/{name}/history/{version}
func (h *AdminAPIHandler) handleBundleDiff(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	version, err := strconv.Atoi(h.pathParam(r, "version"))
	if err != nil || version < 1 {
		h.respondError(w, http.StatusBadRequest, "invalid version: must be a positive integer")
		return
	}

	name := h.pathParam(r, "name")
	entry, err := h.policyAdmin.Diff(r.Context(), name, version)
	if errors.Is(err, service.ErrVersionNotFound) {
		h.respondError(w, http.StatusNotFound, "policy version not found")
		return
	}
	if err != nil {
		h.logger.Error("bundle diff failed", "bundle", name, "version", version, "error", err)
		h.respondError(w, http.StatusInternalServerError, "bundle diff failed")
		return
	}
	h.respondJSON(w, http.StatusOK, toChangeEntryDTO(entry, true))
}

// handleCacheStats exposes the decision-cache counters.
// GET /admin/api/policies/cache
func (h *AdminAPIHandler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.policyAdmin == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy admin not configured")
		return
	}
	h.respondJSON(w, http.StatusOK, h.policyAdmin.CacheStats())
}
