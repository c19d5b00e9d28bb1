package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/sark-labs/sark/internal/domain/mfa"
)

// challengeDTO is the JSON representation of a challenge. The delivered
// code never appears here.
type challengeDTO struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Method      string `json:"method"`
	Action      string `json:"action"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
	Expired     bool   `json:"expired"`
}

func toChallengeDTO(c *mfa.Challenge) challengeDTO {
	return challengeDTO{
		ID:          c.ID,
		PrincipalID: c.PrincipalID,
		Method:      string(c.Method),
		Action:      c.Action,
		Status:      string(c.Status),
		Attempts:    c.Attempts,
		MaxAttempts: c.MaxAttempts,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   c.ExpiresAt.UTC().Format(time.RFC3339),
		Expired:     c.IsExpired(),
	}
}

// handleEnrollTOTP generates and stores a fresh TOTP secret for a
// principal, replacing any prior enrollment. The secret and otpauth
// URI appear only in this response; treat it like a password reset.
// POST /admin/api/mfa/enroll
func (h *AdminAPIHandler) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	if h.mfaSvc == nil {
		h.respondError(w, http.StatusServiceUnavailable, "mfa service not configured")
		return
	}
	var req struct {
		PrincipalID string `json:"principal_id"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PrincipalID == "" {
		h.respondError(w, http.StatusBadRequest, "principal_id is required")
		return
	}
	enrollment, err := h.mfaSvc.EnrollTOTP(r.Context(), req.PrincipalID)
	if err != nil {
		h.logger.Error("totp enrollment failed", "principal_id", req.PrincipalID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{
		"principal_id": req.PrincipalID,
		"secret":       enrollment.Secret,
		"uri":          enrollment.URI,
	})
}

// handleInspectChallenge returns any challenge by id, whoever it
// belongs to.
// GET /admin/api/challenges/{id}
func (h *AdminAPIHandler) handleInspectChallenge(w http.ResponseWriter, r *http.Request) {
	if h.mfaSvc == nil {
		h.respondError(w, http.StatusServiceUnavailable, "mfa service not configured")
		return
	}
	challenge, err := h.mfaSvc.InspectChallenge(r.Context(), h.pathParam(r, "id"))
	if errors.Is(err, mfa.ErrChallengeNotFound) {
		h.respondError(w, http.StatusNotFound, "challenge not found")
		return
	}
	if err != nil {
		h.logger.Error("challenge lookup failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "challenge lookup failed")
		return
	}
	h.respondJSON(w, http.StatusOK, toChallengeDTO(challenge))
}

// handleApproveChallenge finalizes a pending challenge as approved.
// The push approval path and the operator override for the rest.
// POST /admin/api/challenges/{id}/approve
func (h *AdminAPIHandler) handleApproveChallenge(w http.ResponseWriter, r *http.Request) {
	h.resolveChallenge(w, r, mfa.StatusApproved)
}

// handleDenyChallenge finalizes a pending challenge as denied.
// POST /admin/api/challenges/{id}/deny
func (h *AdminAPIHandler) handleDenyChallenge(w http.ResponseWriter, r *http.Request) {
	h.resolveChallenge(w, r, mfa.StatusDenied)
}

func (h *AdminAPIHandler) resolveChallenge(w http.ResponseWriter, r *http.Request, status mfa.Status) {
	if h.mfaSvc == nil {
		h.respondError(w, http.StatusServiceUnavailable, "mfa service not configured")
		return
	}
	id := h.pathParam(r, "id")

	var err error
	if status == mfa.StatusApproved {
		err = h.mfaSvc.ApproveChallenge(r.Context(), id)
	} else {
		err = h.mfaSvc.DenyChallenge(r.Context(), id)
	}
	switch {
	case errors.Is(err, mfa.ErrChallengeNotFound):
		h.respondError(w, http.StatusNotFound, "challenge not found")
		return
	case errors.Is(err, mfa.ErrChallengeTerminal):
		h.respondError(w, http.StatusConflict, "challenge already finalized")
		return
	case err != nil:
		h.logger.Error("challenge resolution failed", "challenge_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "challenge resolution failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{
		"challenge_id": id,
		"status":       string(status),
	})
}
