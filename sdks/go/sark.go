// Package sark provides a Go SDK for the SARK gateway REST API.
//
// SARK is a governance layer for AI tool invocations. This SDK lets Go
// programs invoke capabilities through the gateway's decision pipeline,
// browse the registry, satisfy MFA challenges, and subscribe to the
// audit event stream. It uses only the Go standard library (net/http)
// with zero external dependencies.
//
// Quick start:
//
//	// Set SARK_SERVER_ADDR and SARK_API_KEY env vars, then:
//	client := sark.NewClient()
//
//	result, err := client.Invoke(ctx, sark.InvokeRequest{
//	    CapabilityID: capID,
//	    Arguments:    map[string]any{"path": "/tmp/report.txt"},
//	})
//	if err != nil {
//	    var challenge *sark.MFARequiredError
//	    if errors.As(err, &challenge) {
//	        // Obtain the code out of band, verify, and invoke again.
//	        client.VerifyChallenge(ctx, challenge.ChallengeID, code)
//	    }
//	}
package sark

import (
	"encoding/json"
	"time"
)

// InvokeRequest describes one capability invocation sent to the gateway.
type InvokeRequest struct {
	// CapabilityID identifies the capability to invoke, as listed by
	// ListCapabilities.
	CapabilityID string `json:"capability_id"`

	// Arguments contains the invocation parameters. They must conform
	// to the capability's input schema when one is published.
	Arguments map[string]any `json:"arguments,omitempty"`

	// TimeoutMs overrides the gateway's default per-call deadline when
	// positive and shorter.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// InvokeResult is the outcome of an invocation that passed governance.
// Upstream failures arrive here with Success false; governance
// rejections surface as typed errors instead.
type InvokeResult struct {
	// RequestID is the gateway-assigned identifier for this call. It
	// correlates with audit events and decision logs.
	RequestID string `json:"request_id"`

	// Success reports whether the upstream call completed.
	Success bool `json:"success"`

	// Result is the upstream response payload, when Success is true.
	Result any `json:"result,omitempty"`

	// ErrorMessage describes the upstream failure, when Success is false.
	ErrorMessage string `json:"error_message,omitempty"`

	// DurationMs is the upstream call duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Metadata carries protocol-specific response details.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Resource is a governed upstream service registered with the gateway.
type Resource struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Protocol is the adapter family: "mcp", "grpc", or "http".
	Protocol string `json:"protocol"`

	// Endpoint addresses the service.
	Endpoint string `json:"endpoint"`

	// Sensitivity is the highest capability sensitivity observed at
	// discovery: "none", "low", "medium", "high", or "critical".
	Sensitivity string `json:"sensitivity"`

	// Metadata holds protocol-specific settings.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when discovery first registered this resource.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when re-discovery last refreshed it.
	UpdatedAt time.Time `json:"updated_at"`
}

// Capability is one invocable operation exposed by a resource.
type Capability struct {
	// ID is the unique identifier (UUID). Pass it as
	// InvokeRequest.CapabilityID.
	ID string `json:"id"`

	// ResourceID is the owning resource.
	ResourceID string `json:"resource_id"`

	// Name is the operation name as the protocol exposes it.
	Name string `json:"name"`

	// Description is the human-readable description, when the protocol
	// carries one.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for invocation arguments, when known.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// OutputSchema is the JSON Schema for results, when known.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Sensitivity is the classified or overridden sensitivity level.
	Sensitivity string `json:"sensitivity"`

	// RequiresApproval marks capabilities gated behind an MFA challenge.
	RequiresApproval bool `json:"requires_approval"`

	// ClientStreaming and ServerStreaming tag gRPC streaming methods.
	ClientStreaming bool `json:"client_streaming,omitempty"`
	ServerStreaming bool `json:"server_streaming,omitempty"`

	// CreatedAt is when discovery registered this capability.
	CreatedAt time.Time `json:"created_at"`
}

// StreamMessage is one frame of a streaming invocation. Exactly one of
// Data and Err is set.
type StreamMessage struct {
	// Data is the frame payload as the upstream produced it.
	Data json.RawMessage

	// Err is a mid-stream upstream error. The stream continues after
	// an error frame unless the gateway closes it.
	Err error
}

// Event is one audit event delivered by the gateway event stream.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`

	// EventType categorizes the event, for example "invocation" or
	// "policy_change".
	EventType string `json:"event_type"`

	// Severity is "low", "medium", "high", or "critical".
	Severity string `json:"severity"`

	// PrincipalID is the requesting principal, when known.
	PrincipalID string `json:"principal_id,omitempty"`

	// ResourceID is the targeted resource, when known.
	ResourceID string `json:"resource_id,omitempty"`

	// CapabilityID is the targeted capability, when known.
	CapabilityID string `json:"capability_id,omitempty"`

	// Decision is "allow", "deny", or "error".
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

	// Details is free-form event context.
	Details map[string]any `json:"details,omitempty"`
}
