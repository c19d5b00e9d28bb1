// Package pipeline contains the decision chain every invocation passes
// through: validation, rate/budget gate, injection scan, authorization,
// MFA gate, anomaly observation, and response redaction, wrapped by the
// audit stage. Interceptors wrap the next stage; the terminal Invoker
// dispatches to the protocol adapter.
package pipeline

import (
	"context"
	"time"

	"github.com/sark-labs/sark/internal/domain/injection"
	"github.com/sark-labs/sark/internal/domain/policy"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
)

// Request carries one invocation through the chain. The registry records
// and principal are resolved by the gateway before the chain runs; stage
// products are filled in as stages execute so the audit stage can read
// them after the chain returns.
type Request struct {
	// Invocation is the call being governed.
	Invocation *protocol.InvocationRequest
	// Principal is the authenticated caller.
	Principal *principal.Principal
	// Resource is the registry record serving the capability.
	Resource *resource.Resource
	// Capability is the registry record being invoked.
	Capability *resource.Capability
	// ReceivedAt is when the gateway accepted the request.
	ReceivedAt time.Time
	// ClientIP is the caller's address.
	ClientIP string
	// SessionID is the caller-supplied session, when any.
	SessionID string

	// Decision is set by the authorization stage.
	Decision *policy.Decision
	// InjectionResult is set by the injection stage.
	InjectionResult *injection.Result
	// ChallengeID is set by the MFA gate when it issues a challenge.
	ChallengeID string
	// Invoked is set by the terminal invoker when the adapter ran.
	Invoked bool
	// RetryAfter is set by the rate gate on rejection.
	RetryAfter time.Duration
}

// RequestID returns the correlation id minted for this invocation.
func (r *Request) RequestID() string {
	if r.Invocation == nil {
		return ""
	}
	return r.Invocation.Context.RequestID
}

// Arguments returns the invocation argument tree, nil-safe.
func (r *Request) Arguments() map[string]interface{} {
	if r.Invocation == nil {
		return nil
	}
	return r.Invocation.Arguments
}

// Interceptor processes requests through the decision chain.
// Returns the invocation result to emit, or an error to block. Each
// stage owns a `next` reference; blocking means not calling it.
type Interceptor interface {
	Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error)
}

// InterceptorFunc adapts ordinary functions to Interceptors, like
// http.HandlerFunc.
type InterceptorFunc func(ctx context.Context, req *Request) (*protocol.InvocationResult, error)

// Intercept calls f(ctx, req).
func (f InterceptorFunc) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	return f(ctx, req)
}

// Compile-time check that InterceptorFunc implements Interceptor.
var _ Interceptor = InterceptorFunc(nil)
