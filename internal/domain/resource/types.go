// Package resource contains domain types for discovered service endpoints
// and the capabilities they expose.
package resource

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Sensitivity represents the data-sensitivity level of a resource or capability.
// Levels are ordered: none < low < medium < high < critical.
type Sensitivity string

const (
	// SensitivityNone is the zero level, used for baselines with no history.
	SensitivityNone Sensitivity = "none"
	// SensitivityLow indicates read-only, informational operations.
	SensitivityLow Sensitivity = "low"
	// SensitivityMedium indicates reads with potential data sensitivity.
	SensitivityMedium Sensitivity = "medium"
	// SensitivityHigh indicates write operations or destructive access.
	SensitivityHigh Sensitivity = "high"
	// SensitivityCritical indicates credential, payment, or admin operations.
	SensitivityCritical Sensitivity = "critical"
)

// sensitivityRank maps each level to its position in the escalation order.
var sensitivityRank = map[Sensitivity]int{
	SensitivityNone:     0,
	SensitivityLow:      1,
	SensitivityMedium:   2,
	SensitivityHigh:     3,
	SensitivityCritical: 4,
}

// IsValid returns true if the sensitivity is a known level.
func (s Sensitivity) IsValid() bool {
	_, ok := sensitivityRank[s]
	return ok
}

// Rank returns the position of the level in the escalation order.
// Unknown levels rank as none.
func (s Sensitivity) Rank() int {
	return sensitivityRank[s]
}

// Exceeds returns true if s is strictly above other in the escalation order.
func (s Sensitivity) Exceeds(other Sensitivity) bool {
	return s.Rank() > other.Rank()
}

// MaxSensitivity returns the higher of two levels.
func MaxSensitivity(a, b Sensitivity) Sensitivity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSensitivity converts a string to a Sensitivity.
// Returns an error for unknown values.
func ParseSensitivity(s string) (Sensitivity, error) {
	level := Sensitivity(s)
	if !level.IsValid() {
		return "", fmt.Errorf("unknown sensitivity level %q", s)
	}
	return level, nil
}

// Protocol identifies the adapter family that serves a resource.
type Protocol string

const (
	// ProtocolMCP represents Model Context Protocol servers (stdio, SSE, or HTTP transport).
	ProtocolMCP Protocol = "mcp"
	// ProtocolGRPC represents gRPC services discovered via server reflection.
	ProtocolGRPC Protocol = "grpc"
	// ProtocolHTTP represents plain HTTP/REST tool services.
	ProtocolHTTP Protocol = "http"
)

// IsValid returns true if the protocol is a known adapter family.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolMCP, ProtocolGRPC, ProtocolHTTP:
		return true
	default:
		return false
	}
}

// MCP transport values carried in Resource.Metadata under MetaTransport.
const (
	// MetaTransport selects the MCP transport: stdio, sse, or http.
	MetaTransport = "transport"
	// TransportStdio runs the server as a supervised subprocess.
	TransportStdio = "stdio"
	// TransportSSE connects to a server-sent-events endpoint.
	TransportSSE = "sse"
	// TransportHTTP connects to a streamable HTTP endpoint.
	TransportHTTP = "http"
)

// namePattern allows alphanumeric, spaces, hyphens, and underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 ._-]+$`)

// nameMaxLength is the maximum allowed length for a resource name.
const nameMaxLength = 100

// Resource represents a discoverable service endpoint carrying capabilities.
// Resources are created by adapter discovery and immutable except through
// re-discovery; deregistration destroys them.
type Resource struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Protocol selects the adapter family: mcp, grpc, or http.
	Protocol Protocol `json:"protocol"`
	// Endpoint addresses the service. URL for network transports;
	// the full command line for stdio servers (whitespace-split,
	// quoted arguments are not supported).
	Endpoint string `json:"endpoint"`
	// Sensitivity is the highest capability sensitivity observed at discovery.
	Sensitivity Sensitivity `json:"sensitivity"`
	// Metadata holds protocol-specific settings (transport kind,
	// env.* entries for stdio children, TLS material paths for gRPC).
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when discovery first registered this resource.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when re-discovery last refreshed it.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the resource has usable configuration.
// Returns nil if valid, or an error describing the first failure.
func (r *Resource) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, dots, hyphens, underscores)")
	}
	if !r.Protocol.IsValid() {
		return fmt.Errorf("protocol must be one of %q, %q, %q", ProtocolMCP, ProtocolGRPC, ProtocolHTTP)
	}
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	// Network endpoints must parse as URLs; stdio endpoints are command lines.
	if r.Protocol != ProtocolMCP || r.Metadata[MetaTransport] != TransportStdio {
		if r.Protocol != ProtocolGRPC {
			parsed, err := url.Parse(r.Endpoint)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("endpoint is not a valid URL")
			}
		}
	}
	return nil
}

// Transport returns the MCP transport for this resource, defaulting to stdio
// when unset. Meaningless for non-MCP resources.
func (r *Resource) Transport() string {
	if t, ok := r.Metadata[MetaTransport]; ok && t != "" {
		return t
	}
	return TransportStdio
}

// Capability represents a single invokable operation exposed by a resource.
type Capability struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`
	// ResourceID is the owning resource.
	ResourceID string `json:"resource_id"`
	// Name is the operation name as the protocol exposes it
	// (MCP tool name, gRPC full method, HTTP tool slug).
	Name string `json:"name"`
	// Description is the human-readable description, when the protocol carries one.
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON Schema for invocation arguments, when known.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// OutputSchema is the JSON Schema for results, when known.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	// Sensitivity is the classified or overridden sensitivity level.
	Sensitivity Sensitivity `json:"sensitivity"`
	// RequiresApproval marks capabilities that must pass an MFA gate.
	RequiresApproval bool `json:"requires_approval"`
	// ClientStreaming and ServerStreaming tag gRPC streaming methods.
	ClientStreaming bool `json:"client_streaming,omitempty"`
	ServerStreaming bool `json:"server_streaming,omitempty"`

	// CreatedAt is when discovery registered this capability.
	CreatedAt time.Time `json:"created_at"`
}

// IsStreaming returns true when either streaming direction is tagged.
func (c *Capability) IsStreaming() bool {
	return c.ClientStreaming || c.ServerStreaming
}

// SensitivityChange records a manual sensitivity override on a capability.
// History entries are append-only and never lost.
type SensitivityChange struct {
	// CapabilityID is the overridden capability.
	CapabilityID string `json:"capability_id"`
	// Old is the level before the override.
	Old Sensitivity `json:"old"`
	// New is the level after the override.
	New Sensitivity `json:"new"`
	// Author is the principal id that made the change.
	Author string `json:"author"`
	// Reason is the operator-supplied justification.
	Reason string `json:"reason,omitempty"`
	// Timestamp is when the override was applied.
	Timestamp time.Time `json:"timestamp"`
}
