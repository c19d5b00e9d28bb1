package admin

import (
	"net/http"
)

// handleGetBaseline returns the behavioral baseline for one principal,
// computing a fresh one when none is stored yet.
// GET /admin/api/baselines/{principal_id}
func (h *AdminAPIHandler) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	if h.anomalySvc == nil {
		h.respondError(w, http.StatusServiceUnavailable, "anomaly service not configured")
		return
	}
	principalID := h.pathParam(r, "principal_id")
	baseline, err := h.anomalySvc.Baseline(r.Context(), principalID)
	if err != nil {
		h.logger.Error("baseline lookup failed", "principal_id", principalID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "baseline lookup failed")
		return
	}
	h.respondJSON(w, http.StatusOK, baseline)
}

// handleRebuildBaseline recomputes and stores a principal's baseline
// from its recorded event history, outside the nightly sweep.
// POST /admin/api/baselines/{principal_id}/rebuild
func (h *AdminAPIHandler) handleRebuildBaseline(w http.ResponseWriter, r *http.Request) {
	if h.anomalySvc == nil {
		h.respondError(w, http.StatusServiceUnavailable, "anomaly service not configured")
		return
	}
	principalID := h.pathParam(r, "principal_id")
	baseline, err := h.anomalySvc.RebuildBaseline(r.Context(), principalID)
	if err != nil {
		h.logger.Error("baseline rebuild failed", "principal_id", principalID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "baseline rebuild failed")
		return
	}
	h.respondJSON(w, http.StatusOK, baseline)
}
