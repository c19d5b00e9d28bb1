// Package principal contains the domain types and logic for the
// authenticated callers on whose behalf requests run.
package principal

import (
	"time"
)

// Principal represents an authenticated user or service identity.
// Identities originate in an external directory; the gateway consumes
// them per request and never mutates them, except for the local
// suspension flag maintained by the identity store.
type Principal struct {
	// ID is the stable unique identifier for this principal.
	ID string `json:"id"`
	// Email is the contact address, when the directory provides one.
	Email string `json:"email,omitempty"`
	// Role is the primary authorization role (free-form, policy-defined).
	Role string `json:"role"`
	// Teams are the team memberships used in policy input.
	Teams []string `json:"teams,omitempty"`
	// MFAVerified is true when the current session passed an MFA check.
	MFAVerified bool `json:"mfa_verified"`
	// MFAMethods lists the enrolled methods: totp, sms, email, push.
	MFAMethods []string `json:"mfa_methods,omitempty"`
	// Suspended is set by the anomaly pipeline's auto-suspend action.
	// Suspended principals are denied before policy evaluation.
	Suspended bool `json:"suspended,omitempty"`
}

// InTeam returns true if the principal belongs to the named team.
func (p *Principal) InTeam(team string) bool {
	for _, t := range p.Teams {
		if t == team {
			return true
		}
	}
	return false
}

// HasMFAMethod returns true if the principal has the method enrolled.
func (p *Principal) HasMFAMethod(method string) bool {
	for _, m := range p.MFAMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (p *Principal) Clone() *Principal {
	cp := *p
	if p.Teams != nil {
		cp.Teams = append([]string(nil), p.Teams...)
	}
	if p.MFAMethods != nil {
		cp.MFAMethods = append([]string(nil), p.MFAMethods...)
	}
	return &cp
}

// APIKey represents a gateway API key bound to a principal.
type APIKey struct {
	// Key is the hashed key value (SHA-256 hex or Argon2id PHC format).
	Key string
	// PrincipalID maps this key to a Principal.
	PrincipalID string
	// Name is a human-readable label for this key.
	Name string
	// CreatedAt is when the key was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the key expires (nil = never expires).
	ExpiresAt *time.Time
	// Revoked indicates if the key has been revoked.
	Revoked bool
}

// IsExpired returns true if the API key has expired.
// A key with nil ExpiresAt never expires.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*k.ExpiresAt)
}
