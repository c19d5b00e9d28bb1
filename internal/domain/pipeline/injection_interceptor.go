package pipeline

import (
	"context"
	"log/slog"

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/injection"
	"github.com/sark-labs/sark/internal/domain/protocol"
)

// InjectionInterceptor scans invocation arguments for prompt injection
// before they reach the policy engine. A risk score at or above the
// block threshold rejects the request; alert and log level detections
// pass through and surface in the audit trail via the stage product.
//
// Position in chain: after RateLimit, before Policy.
type InjectionInterceptor struct {
	detector *injection.Detector
	policy   injection.Policy
	next     Interceptor
	logger   *slog.Logger
}

// NewInjectionInterceptor creates a new InjectionInterceptor.
func NewInjectionInterceptor(
	detector *injection.Detector,
	policy injection.Policy,
	next Interceptor,
	logger *slog.Logger,
) *InjectionInterceptor {
	return &InjectionInterceptor{
		detector: detector,
		policy:   policy,
		next:     next,
		logger:   logger,
	}
}

// Intercept scans arguments and blocks or passes per the scan policy.
func (i *InjectionInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	args := req.Arguments()
	if len(args) == 0 {
		return i.next.Intercept(ctx, req)
	}

	ctx, span := stageSpan(ctx, "inject", req)
	defer span.End()

	result := i.detector.ScanArguments(args)
	req.InjectionResult = &result

	if summary := audit.ScanSummaryFromContext(ctx); summary != nil && result.RiskScore > summary.InjectionScore {
		summary.InjectionScore = result.RiskScore
	}

	if !result.Detected {
		return i.next.Intercept(ctx, req)
	}

	action := i.policy.Decide(result)
	switch action {
	case injection.ActionBlock:
		i.logger.Warn("prompt injection blocked",
			"capability_id", capabilityID(req),
			"risk_score", result.RiskScore,
			"findings", len(result.Findings),
		)
		return nil, &InjectionError{Score: result.RiskScore, Findings: len(result.Findings)}
	case injection.ActionAlert:
		i.logger.Warn("prompt injection suspected, request allowed",
			"capability_id", capabilityID(req),
			"risk_score", result.RiskScore,
			"findings", len(result.Findings),
		)
	default:
		i.logger.Debug("injection scan findings below alert threshold",
			"capability_id", capabilityID(req),
			"risk_score", result.RiskScore,
		)
	}

	return i.next.Intercept(ctx, req)
}

func capabilityID(req *Request) string {
	if req.Capability == nil {
		return ""
	}
	return req.Capability.ID
}

// Compile-time check that InjectionInterceptor implements Interceptor.
var _ Interceptor = (*InjectionInterceptor)(nil)
