// Package policy contains domain types for authorization decisions and
// policy change tracking.
package policy

import "time"

// DefaultDecisionTTL is the cache lifetime for decisions whose evaluator
// did not supply one.
const DefaultDecisionTTL = 60 * time.Second

// ReasonEngineError is the deny reason used when the evaluator itself
// fails. Evaluator errors never fail open.
const ReasonEngineError = "policy engine error"

// PrincipalSnapshot is the per-request view of the requesting principal.
type PrincipalSnapshot struct {
	// ID is the principal's stable identifier.
	ID string `json:"id"`
	// Email is the principal's contact address.
	Email string `json:"email,omitempty"`
	// Role is the principal's primary role.
	Role string `json:"role"`
	// Teams are the principal's team memberships.
	Teams []string `json:"teams,omitempty"`
	// MFAVerified is true when the session has passed a challenge.
	MFAVerified bool `json:"mfa_verified"`
	// MFAMethods are the methods the principal has enrolled.
	MFAMethods []string `json:"mfa_methods,omitempty"`
}

// ToolSnapshot is the per-request view of the capability being invoked.
type ToolSnapshot struct {
	// CapabilityID identifies the capability.
	CapabilityID string `json:"capability_id"`
	// Name is the capability's human-readable name.
	Name string `json:"name"`
	// SensitivityLevel is the classified sensitivity of the capability.
	SensitivityLevel string `json:"sensitivity_level"`
	// RequiresApproval is the capability's approval flag.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// ServerSnapshot is the per-request view of the resource serving the
// capability.
type ServerSnapshot struct {
	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id"`
	// Name is the resource's human-readable name.
	Name string `json:"name"`
	// Protocol is the resource's protocol tag.
	Protocol string `json:"protocol"`
}

// RequestContext carries the network context of the request.
type RequestContext struct {
	// ClientIP is the caller's address.
	ClientIP string `json:"client_ip"`
	// RequestID correlates logs across components.
	RequestID string `json:"request_id"`
	// Timestamp is when the request was received.
	Timestamp time.Time `json:"timestamp"`
}

// AuthorizationInput is the full input assembled for every evaluation.
type AuthorizationInput struct {
	// User is the requesting principal.
	User PrincipalSnapshot `json:"user"`
	// Action is the operation being authorized (e.g. "invoke_tool").
	Action string `json:"action"`
	// Tool is set when the request targets a capability.
	Tool *ToolSnapshot `json:"tool,omitempty"`
	// Server is set when the request targets a resource.
	Server *ServerSnapshot `json:"server,omitempty"`
	// Context is the network context.
	Context RequestContext `json:"context"`
}

// AdvancedResults carries the sub-results of advanced policy checks.
type AdvancedResults struct {
	// TimeBasedAllowed is false when a time-window rule blocked.
	TimeBasedAllowed bool `json:"time_based"`
	// IPFilteringAllowed is false when an ip-filter rule blocked.
	IPFilteringAllowed bool `json:"ip_filtering"`
	// MFARequiredSatisfied is false when MFA is demanded but unmet.
	MFARequiredSatisfied bool `json:"mfa_required"`
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	// Allow is true if the request is permitted.
	Allow bool
	// Reason explains the decision. Never empty on a deny.
	Reason string
	// FilteredParameters replaces the request arguments when the
	// evaluator narrowed them. Nil means use the originals.
	FilteredParameters map[string]interface{}
	// Violations lists the rules the request violated.
	Violations []string
	// PoliciesEvaluated lists the policy ids consulted.
	PoliciesEvaluated []string
	// Advanced carries the sub-results of advanced checks.
	Advanced AdvancedResults
	// Duration is how long the evaluation took.
	Duration time.Duration
	// CacheHit is true when the decision came from the cache.
	CacheHit bool
	// TTL is the evaluator-supplied cache lifetime. Zero means
	// DefaultDecisionTTL.
	TTL time.Duration
}

// CacheTTL returns the effective cache lifetime for the decision.
func (d *Decision) CacheTTL() time.Duration {
	if d.TTL > 0 {
		return d.TTL
	}
	return DefaultDecisionTTL
}
