package pipeline

import (
	"context"
	"log/slog"

	"github.com/sark-labs/sark/internal/domain/policy"
	"github.com/sark-labs/sark/internal/domain/protocol"
)

// Authorizer evaluates authorization inputs into decisions.
// This interface is satisfied by service.PolicyService.
type Authorizer interface {
	Authorize(ctx context.Context, input *policy.AuthorizationInput) (*policy.Decision, error)
}

// ActionInvokeCapability is the action string evaluated for invocations.
const ActionInvokeCapability = "invoke_capability"

// PolicyInterceptor asks the policy engine whether the invocation may
// proceed. Evaluator failures never fail open: any error becomes a deny
// with the engine-error reason. When the decision narrows the argument
// set, the narrowed arguments replace the originals before dispatch.
//
// Position in chain: after Injection, before MFA.
type PolicyInterceptor struct {
	authorizer Authorizer
	next       Interceptor
	logger     *slog.Logger
}

// NewPolicyInterceptor creates a new PolicyInterceptor.
func NewPolicyInterceptor(authorizer Authorizer, next Interceptor, logger *slog.Logger) *PolicyInterceptor {
	return &PolicyInterceptor{
		authorizer: authorizer,
		next:       next,
		logger:     logger,
	}
}

// Intercept evaluates the request and blocks or passes on the decision.
func (p *PolicyInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	ctx, span := stageSpan(ctx, "authorize", req)
	defer span.End()

	// Suspension is checked before evaluation so a suspended principal
	// cannot reach the engine at all.
	if req.Principal != nil && req.Principal.Suspended {
		p.logger.Warn("suspended principal denied",
			"principal_id", req.Principal.ID,
		)
		return nil, &DenyError{Reason: "principal is suspended"}
	}

	input := p.buildInput(req)
	decision, err := p.authorizer.Authorize(ctx, input)
	if err != nil {
		p.logger.Error("policy evaluation failed, denying",
			"principal_id", input.User.ID,
			"capability_id", capabilityID(req),
			"error", err,
		)
		req.Decision = &policy.Decision{
			Allow:  false,
			Reason: policy.ReasonEngineError,
		}
		return nil, &DenyError{Reason: policy.ReasonEngineError}
	}

	req.Decision = decision

	if !decision.Allow {
		p.logger.Info("authorization denied",
			"principal_id", input.User.ID,
			"capability_id", capabilityID(req),
			"reason", decision.Reason,
		)
		return nil, &DenyError{Reason: decision.Reason, Violations: decision.Violations}
	}

	if decision.FilteredParameters != nil && req.Invocation != nil {
		req.Invocation.Arguments = decision.FilteredParameters
	}

	p.logger.Debug("authorization allowed",
		"principal_id", input.User.ID,
		"capability_id", capabilityID(req),
		"cache_hit", decision.CacheHit,
	)

	return p.next.Intercept(ctx, req)
}

// buildInput assembles the evaluation input from the request snapshots.
func (p *PolicyInterceptor) buildInput(req *Request) *policy.AuthorizationInput {
	input := &policy.AuthorizationInput{
		Action: ActionInvokeCapability,
		Context: policy.RequestContext{
			ClientIP:  req.ClientIP,
			RequestID: req.RequestID(),
			Timestamp: req.ReceivedAt,
		},
	}
	if req.Principal != nil {
		input.User = policy.PrincipalSnapshot{
			ID:          req.Principal.ID,
			Email:       req.Principal.Email,
			Role:        req.Principal.Role,
			Teams:       req.Principal.Teams,
			MFAVerified: req.Principal.MFAVerified,
			MFAMethods:  req.Principal.MFAMethods,
		}
	}
	if req.Capability != nil {
		input.Tool = &policy.ToolSnapshot{
			CapabilityID:     req.Capability.ID,
			Name:             req.Capability.Name,
			SensitivityLevel: string(req.Capability.Sensitivity),
			RequiresApproval: req.Capability.RequiresApproval,
		}
	}
	if req.Resource != nil {
		input.Server = &policy.ServerSnapshot{
			ResourceID: req.Resource.ID,
			Name:       req.Resource.Name,
			Protocol:   string(req.Resource.Protocol),
		}
	}
	return input
}

// Compile-time check that PolicyInterceptor implements Interceptor.
var _ Interceptor = (*PolicyInterceptor)(nil)
