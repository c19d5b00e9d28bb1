package admin

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo holds build-time version information.
// Injected via WithBuildInfo option to avoid import cycles with cmd package.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// SystemInfoResponse is the JSON response for GET /admin/api/system.
type SystemInfoResponse struct {
	Version       string            `json:"version"`
	Commit        string            `json:"commit"`
	BuildDate     string            `json:"build_date"`
	GoVersion     string            `json:"go_version"`
	OS            string            `json:"os"`
	Arch          string            `json:"arch"`
	Uptime        string            `json:"uptime"`
	UptimeSec     int64             `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
	InFlight      int64             `json:"in_flight,omitempty"`
	BreakerStates map[string]string `json:"breaker_states,omitempty"`
}

// handleSystemInfo returns system information: version, uptime, Go
// runtime details, and the gateway's live request and breaker state.
func (h *AdminAPIHandler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	version := "dev"
	commit := "none"
	buildDate := "unknown"

	if h.buildInfo != nil {
		version = h.buildInfo.Version
		commit = h.buildInfo.Commit
		buildDate = h.buildInfo.BuildDate
	}

	resp := SystemInfoResponse{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Uptime:     uptime.Truncate(time.Second).String(),
		UptimeSec:  int64(uptime.Seconds()),
		Goroutines: runtime.NumGoroutine(),
	}

	if h.gatewaySvc != nil {
		resp.InFlight = h.gatewaySvc.InFlight()
		states := h.gatewaySvc.BreakerStates()
		if len(states) > 0 {
			resp.BreakerStates = make(map[string]string, len(states))
			for id, state := range states {
				resp.BreakerStates[id] = state.String()
			}
		}
	}

	h.respondJSON(w, http.StatusOK, resp)
}
