package protocol

import (
	"context"

	"github.com/sark-labs/sark/internal/domain/resource"
)

// Adapter is the uniform contract protocol gateways conform to.
// Adapters never make authorization decisions; they provide the structural
// data (resource sensitivity, capability metadata) the policy engine
// consumes and execute already-authorized invocations.
//
// Implementations: MCP (stdio/SSE/HTTP), gRPC (reflection), HTTP (REST).
type Adapter interface {
	// Name returns the protocol tag, e.g. "mcp", "grpc", "http".
	Name() string
	// Version returns the protocol revision the adapter speaks.
	Version() string
	// SupportsStreaming reports whether InvokeStreaming is available.
	SupportsStreaming() bool

	// DiscoverResources probes the target and returns the resources found.
	// Discovery may be deferred (stdio servers start on first use); such
	// adapters return the resource skeleton without contacting the target.
	DiscoverResources(ctx context.Context, cfg DiscoveryConfig) ([]resource.Resource, error)

	// Capabilities lists the operations a resource exposes.
	Capabilities(ctx context.Context, res *resource.Resource) ([]resource.Capability, error)

	// Validate checks an invocation request against the capability's
	// declared input schema and adapter-specific constraints.
	Validate(ctx context.Context, req *InvocationRequest) error

	// Invoke executes a unary capability call.
	// Streaming capabilities must be invoked via InvokeStreaming;
	// mixing returns an ErrKindUnsupported error.
	Invoke(ctx context.Context, req *InvocationRequest) (*InvocationResult, error)

	// InvokeStreaming executes a streaming capability call. The returned
	// channel is closed when the stream ends; a terminal failure arrives
	// as a StreamMessage with Err set. Cancel ctx to abandon the stream.
	InvokeStreaming(ctx context.Context, req *InvocationRequest) (<-chan StreamMessage, error)

	// Health reports whether a resource is reachable and serving.
	// A nil error means healthy.
	Health(ctx context.Context, res *resource.Resource) error

	// OnRegister is called when a resource of this protocol is registered.
	// Adapters may allocate per-resource state (e.g. stdio supervisors).
	OnRegister(ctx context.Context, res *resource.Resource) error

	// OnUnregister is called when a resource is deregistered.
	// Adapters must release per-resource state and stop child processes.
	OnUnregister(ctx context.Context, res *resource.Resource) error
}
