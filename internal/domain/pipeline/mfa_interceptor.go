package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sark-labs/sark/internal/domain/mfa"
	"github.com/sark-labs/sark/internal/domain/protocol"
)

// ChallengeIssuer creates multi-factor challenges.
// This interface is satisfied by mfa.ChallengeService.
type ChallengeIssuer interface {
	Create(ctx context.Context, principalID string, method mfa.Method, action string) (*mfa.Challenge, error)
}

// methodPreference orders enrollment methods when issuing a challenge.
var methodPreference = []mfa.Method{mfa.MethodTOTP, mfa.MethodPush, mfa.MethodSMS, mfa.MethodEmail}

// MFAInterceptor gates invocations that demand step-up verification:
// capabilities flagged requires_approval and decisions whose MFA check
// is unsatisfied. A principal whose session already passed a challenge
// flows through; otherwise a challenge is issued and the request is
// rejected with its id so the caller can verify and retry.
//
// Position in chain: after Policy, before Anomaly.
type MFAInterceptor struct {
	issuer ChallengeIssuer
	next   Interceptor
	logger *slog.Logger
}

// NewMFAInterceptor creates a new MFAInterceptor.
func NewMFAInterceptor(issuer ChallengeIssuer, next Interceptor, logger *slog.Logger) *MFAInterceptor {
	return &MFAInterceptor{
		issuer: issuer,
		next:   next,
		logger: logger,
	}
}

// Intercept issues a challenge when the gate demands one.
func (m *MFAInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	if !m.gateRequired(req) {
		return m.next.Intercept(ctx, req)
	}

	if req.Principal != nil && req.Principal.MFAVerified {
		m.logger.Debug("mfa gate satisfied by verified session",
			"principal_id", req.Principal.ID,
			"capability_id", capabilityID(req),
		)
		return m.next.Intercept(ctx, req)
	}

	if req.Principal == nil {
		return nil, &DenyError{Reason: "mfa required but no principal"}
	}

	method, ok := m.pickMethod(req)
	if !ok {
		m.logger.Warn("mfa required but principal has no enrolled methods",
			"principal_id", req.Principal.ID,
		)
		return nil, &DenyError{Reason: "mfa required but no methods enrolled"}
	}

	action := fmt.Sprintf("invoke %s", capabilityID(req))
	challenge, err := m.issuer.Create(ctx, req.Principal.ID, method, action)
	if err != nil {
		m.logger.Error("failed to issue mfa challenge, denying",
			"principal_id", req.Principal.ID,
			"error", err,
		)
		return nil, &DenyError{Reason: "mfa challenge could not be issued"}
	}

	req.ChallengeID = challenge.ID
	m.logger.Info("mfa challenge issued",
		"principal_id", req.Principal.ID,
		"capability_id", capabilityID(req),
		"challenge_id", challenge.ID,
		"method", string(method),
	)
	return nil, &MFARequiredError{ChallengeID: challenge.ID, Method: string(method)}
}

// gateRequired reports whether this invocation must pass the MFA gate.
func (m *MFAInterceptor) gateRequired(req *Request) bool {
	if req.Capability != nil && req.Capability.RequiresApproval {
		return true
	}
	if req.Decision != nil && !req.Decision.Advanced.MFARequiredSatisfied {
		return true
	}
	return false
}

// pickMethod selects the first enrolled method in preference order.
func (m *MFAInterceptor) pickMethod(req *Request) (mfa.Method, bool) {
	for _, method := range methodPreference {
		if req.Principal.HasMFAMethod(string(method)) {
			return method, true
		}
	}
	return "", false
}

// Compile-time check that MFAInterceptor implements Interceptor.
var _ Interceptor = (*MFAInterceptor)(nil)
