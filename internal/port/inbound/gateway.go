// Package inbound defines the inbound port interfaces for the gateway
// core. Inbound transports (HTTP, stdio) call these interfaces.
package inbound

import (
	"context"

	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
)

// GatewayService is the inbound port for governed invocations.
// Transports resolve the caller first (Authenticator), place the
// principal and network context on the request context, and call
// Invoke or InvokeStreaming. The decision chain runs inside.
type GatewayService interface {
	// Invoke runs one capability call through the decision chain and,
	// when allowed, dispatches it to the owning protocol adapter.
	// Governance rejections are typed errors (pipeline package);
	// upstream failures come back as unsuccessful results.
	Invoke(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error)

	// InvokeStreaming is Invoke for streaming capabilities. The channel
	// is closed after the terminal message; a governance rejection is
	// returned as an error before any channel exists.
	InvokeStreaming(ctx context.Context, call *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error)

	// ListResources returns the registered resources.
	ListResources(ctx context.Context) ([]*resource.Resource, error)

	// ListCapabilities returns the capabilities of one resource, or of
	// all resources when resourceID is empty.
	ListCapabilities(ctx context.Context, resourceID string) ([]*resource.Capability, error)
}

// Authenticator resolves gateway credentials into principals.
// This interface is satisfied by service.IdentityService.
type Authenticator interface {
	// AuthenticateAPIKey validates a raw API key. Returns the bound
	// principal or an error when the key is unknown, expired, revoked,
	// or suspended.
	AuthenticateAPIKey(ctx context.Context, rawKey string) (*principal.Principal, error)

	// AuthenticateBearer validates a signed bearer token.
	AuthenticateBearer(ctx context.Context, token string) (*principal.Principal, error)
}
