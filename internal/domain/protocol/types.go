// Package protocol defines the uniform contract every protocol adapter
// (MCP, gRPC, HTTP) conforms to: discovery, capability listing, validation,
// unary and streaming invocation, and health.
package protocol

import (
	"time"

	"github.com/sark-labs/sark/internal/domain/resource"
)

// InvocationContext carries per-call settings supplied by the gateway.
type InvocationContext struct {
	// Endpoint overrides the resource endpoint when non-empty.
	Endpoint string `json:"endpoint,omitempty"`
	// Timeout bounds the call; zero means the gateway default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RequestID is the correlation id minted by the gateway.
	RequestID string `json:"request_id"`
	// BearerToken is forwarded to HTTP upstreams when user-token
	// authorization is configured. Never logged.
	BearerToken string `json:"-"`
	// Metadata holds adapter-specific per-call settings.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InvocationRequest is a single capability call. Created per call; immutable.
type InvocationRequest struct {
	// CapabilityID identifies the operation to invoke.
	CapabilityID string `json:"capability_id"`
	// PrincipalID identifies the caller.
	PrincipalID string `json:"principal_id"`
	// Arguments is the opaque argument tree (map | array | scalar values).
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	// Context carries per-call settings.
	Context InvocationContext `json:"context"`

	// Capability and Resource are the registry records resolved by the
	// gateway before dispatch. Adapters read names, schemas, and endpoints
	// from them and never consult stores themselves.
	Capability *resource.Capability `json:"-"`
	Resource   *resource.Resource   `json:"-"`
}

// InvocationResult is the outcome of a capability call.
// The gateway applies the secret redactor to Result before emission.
type InvocationResult struct {
	// Success is false when the call failed; ErrorMessage then explains why.
	Success bool `json:"success"`
	// Result is the payload returned by the upstream (map | array | scalar).
	Result interface{} `json:"result,omitempty"`
	// ErrorMessage is the stable failure description for unsuccessful calls.
	ErrorMessage string `json:"error_message,omitempty"`
	// Duration is the wall time spent in the adapter.
	Duration time.Duration `json:"duration"`
	// Metadata holds adapter-specific response details.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StreamMessage is one element of a streaming invocation.
// A terminal error is delivered as a message with Err set; the channel
// is closed afterwards.
type StreamMessage struct {
	// Data is the decoded payload of one stream element.
	Data interface{}
	// Err terminates the stream when non-nil.
	Err error
}

// DiscoveryConfig describes one discovery target.
type DiscoveryConfig struct {
	// Name is the display name for the discovered resource.
	Name string `json:"name"`
	// Endpoint addresses the target: URL for network transports,
	// command line for stdio servers.
	Endpoint string `json:"endpoint"`
	// Metadata holds protocol-specific settings (transport kind, TLS paths,
	// env.* entries, page sizes).
	Metadata map[string]string `json:"metadata,omitempty"`
}
