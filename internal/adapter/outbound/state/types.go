// Package state persists the gateway's local run state: a flocked JSON
// record of the running process (pid, listen addresses, start time)
// that prevents double starts and lets `sark stop` find the daemon,
// plus the TOTP enrollments that must survive restarts without a
// directory backend.
package state

import "time"

// RunState is the structure persisted in sark-state.json.
type RunState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// PID is the gateway process id. Zero when no process is recorded.
	PID int `json:"pid,omitempty"`

	// ListenAddr is the gateway API address of the recorded process.
	ListenAddr string `json:"listen_addr,omitempty"`

	// AdminAddr is the admin API address of the recorded process.
	AdminAddr string `json:"admin_addr,omitempty"`

	// StartedAt is when the recorded process booted. Zero when none.
	StartedAt time.Time `json:"started_at,omitempty"`

	// TOTPSecrets maps principal id to base32 TOTP secret. Enrollments
	// write through here so re-enrollment is not needed after restart.
	TOTPSecrets map[string]string `json:"totp_secrets,omitempty"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// MarkStarted records the running process.
func (s *RunState) MarkStarted(pid int, listenAddr, adminAddr string) {
	s.PID = pid
	s.ListenAddr = listenAddr
	s.AdminAddr = adminAddr
	s.StartedAt = time.Now().UTC()
}

// MarkStopped clears the process record. Enrollments are kept.
func (s *RunState) MarkStopped() {
	s.PID = 0
	s.ListenAddr = ""
	s.AdminAddr = ""
	s.StartedAt = time.Time{}
}

// HasProcess reports whether a process is recorded. The record may be
// stale after a crash; callers probe the pid before trusting it.
func (s *RunState) HasProcess() bool {
	return s.PID > 0
}
