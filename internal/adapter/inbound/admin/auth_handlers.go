package admin

import (
	"net/http"
)

// authStatusResponse is the JSON response for GET /admin/api/auth/status.
type authStatusResponse struct {
	AuthRequired bool `json:"auth_required"`
	Localhost    bool `json:"localhost"`
}

// handleAuthStatus returns authentication status information.
// GET /admin/api/auth/status
//
// auth_required is true when the request is NOT from localhost; remote
// operators reach the admin API over an SSH tunnel.
func (h *AdminAPIHandler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	local := isLocalhost(r)
	h.respondJSON(w, http.StatusOK, authStatusResponse{
		AuthRequired: !local,
		Localhost:    local,
	})
}
