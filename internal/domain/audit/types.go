// Package audit provides the audit event model shared by the decision
// pipeline, the temporal event store, and the SIEM forwarders.
package audit

import (
	"strings"
	"time"
)

// Severity classifies audit events for routing and retention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank returns the severity as an ordinal for comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ShouldForward reports whether events at this severity are enqueued
// for SIEM forwarding.
func (s Severity) ShouldForward() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Decision values recorded on audit events.
const (
	// DecisionAllow indicates the request was permitted.
	DecisionAllow = "allow"
	// DecisionDeny indicates the request was blocked.
	DecisionDeny = "deny"
	// DecisionError indicates the request failed before a verdict.
	DecisionError = "error"
)

// Event types emitted by the gateway.
const (
	// EventTypeToolCall records a capability invocation.
	EventTypeToolCall = "tool_call"
	// EventTypeAuthorizationDenied records a policy deny.
	EventTypeAuthorizationDenied = "authorization_denied"
	// EventTypeInjectionDetected records a prompt-injection finding.
	EventTypeInjectionDetected = "injection_detected"
	// EventTypeAnomalyDetected records behavioral anomalies.
	EventTypeAnomalyDetected = "anomaly_detected"
	// EventTypeMFAChallenge records challenge lifecycle transitions.
	EventTypeMFAChallenge = "mfa_challenge"
	// EventTypeSecretRedacted records redactions applied to results.
	EventTypeSecretRedacted = "secret_redacted"
	// EventTypePolicyChange records policy change-log appends.
	EventTypePolicyChange = "policy_change"
	// EventTypeResourceLifecycle records resource register/deregister.
	EventTypeResourceLifecycle = "resource_lifecycle"
	// EventTypeRateLimited records rate-limit and budget rejections.
	EventTypeRateLimited = "rate_limited"
	// EventTypeSystem records gateway lifecycle events.
	EventTypeSystem = "system"
)

// Retention horizons by event class, in days.
const (
	RetentionSecurityDays = 365
	RetentionToolCallDays = 90
	RetentionSystemDays   = 30
)

// RetentionFor returns the retention horizon for an event type.
func RetentionFor(eventType string) int {
	switch eventType {
	case EventTypeAuthorizationDenied, EventTypeInjectionDetected,
		EventTypeAnomalyDetected, EventTypeMFAChallenge, EventTypePolicyChange:
		return RetentionSecurityDays
	case EventTypeToolCall, EventTypeSecretRedacted, EventTypeRateLimited:
		return RetentionToolCallDays
	default:
		return RetentionSystemDays
	}
}

// Event is one append-only audit record. Timestamp is the partition key
// in temporal stores. The JSON shape is the JSON-Lines file format and
// the export format.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// EventType is one of the EventType* constants.
	EventType string `json:"event_type"`
	// Severity drives SIEM forwarding and alerting.
	Severity Severity `json:"severity"`
	// PrincipalID is the requesting principal, when known.
	PrincipalID string `json:"principal_id,omitempty"`
	// ResourceID is the targeted resource, when known.
	ResourceID string `json:"resource_id,omitempty"`
	// CapabilityID is the targeted capability, when known.
	CapabilityID string `json:"capability_id,omitempty"`
	// Decision is allow, deny, or error.
	Decision string `json:"decision,omitempty"`
	// Reason explains the decision.
	Reason string `json:"reason,omitempty"`
	// RequestID correlates events across components.
	RequestID string `json:"request_id,omitempty"`
	// SessionID is the caller's session, when known.
	SessionID string `json:"session_id,omitempty"`
	// ClientIP is the caller's address.
	ClientIP string `json:"client_ip,omitempty"`
	// Protocol is the originating protocol tag.
	Protocol string `json:"protocol,omitempty"`
	// LatencyMicros is the request duration in microseconds.
	LatencyMicros int64 `json:"latency_micros,omitempty"`
	// Details is free-form event context. Values must survive JSON
	// round-trips; callers redact sensitive keys before attaching.
	Details map[string]interface{} `json:"details,omitempty"`
	// SIEMForwardedAt is stamped after a successful forward.
	SIEMForwardedAt *time.Time `json:"siem_forwarded,omitempty"`
	// RetentionDays is the retention horizon for this event.
	RetentionDays int `json:"retention_days,omitempty"`
}

// DecisionLog is the flattened policy decision record persisted to the
// relational decision store, one row per evaluation. The JSON shape is
// the export format.
type DecisionLog struct {
	ID                   string          `json:"id"`
	Timestamp            time.Time       `json:"timestamp"`
	Result               string          `json:"result"`
	Allow                bool            `json:"allow"`
	UserID               string          `json:"user_id"`
	UserRole             string          `json:"user_role,omitempty"`
	UserTeams            []string        `json:"user_teams,omitempty"`
	Action               string          `json:"action"`
	ResourceType         string          `json:"resource_type,omitempty"`
	ResourceID           string          `json:"resource_id,omitempty"`
	CapabilityID         string          `json:"capability_id,omitempty"`
	CapabilityName       string          `json:"capability_name,omitempty"`
	SensitivityLevel     string          `json:"sensitivity_level,omitempty"`
	ServerID             string          `json:"server_id,omitempty"`
	ServerName           string          `json:"server_name,omitempty"`
	PoliciesEvaluated    []string        `json:"policies_evaluated,omitempty"`
	PolicyResults        map[string]bool `json:"policy_results,omitempty"`
	Violations           []string        `json:"violations,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	DenialReason         string          `json:"denial_reason,omitempty"`
	EvaluationDurationMS float64         `json:"evaluation_duration_ms"`
	CacheHit             bool            `json:"cache_hit"`
	ClientIP             string          `json:"client_ip,omitempty"`
	RequestID            string          `json:"request_id,omitempty"`
	SessionID            string          `json:"session_id,omitempty"`
	MFAVerified          bool            `json:"mfa_verified"`
	MFAMethod            string          `json:"mfa_method,omitempty"`
	TimeBasedAllowed     bool            `json:"time_based_allowed"`
	IPFilteringAllowed   bool            `json:"ip_filtering_allowed"`
	MFARequiredSatisfied bool            `json:"mfa_required_satisfied"`
}

// RedactedPlaceholder replaces sensitive values in audit payloads.
const RedactedPlaceholder = "***REDACTED***"

// sensitiveKeywords are argument key fragments that trigger redaction.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with values masked wherever
// the key suggests credential material. Nested maps are walked; other
// values are kept as-is. The full-content secret scanner runs separately;
// this pass is the cheap key-based guard for audit payloads.
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		if isSensitiveKey(key) {
			out[key] = RedactedPlaceholder
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			out[key] = RedactSensitiveArgs(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
