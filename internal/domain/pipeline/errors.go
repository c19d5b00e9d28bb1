package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for chain outcomes. Stages wrap these with context;
// transports map them to status codes with errors.Is.
var (
	// ErrAuthorizationDenied means the policy engine denied the call.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrRateLimited means the caller exceeded its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrBudgetExceeded means the caller exhausted its daily budget.
	ErrBudgetExceeded = errors.New("daily budget exceeded")
	// ErrInjectionBlocked means the injection scanner blocked the call.
	ErrInjectionBlocked = errors.New("prompt injection blocked")
	// ErrMFARequired means a challenge was issued and must be satisfied.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAFailed means a presented challenge did not verify.
	ErrMFAFailed = errors.New("mfa verification failed")
	// ErrValidationFailed means the arguments did not match the schema.
	ErrValidationFailed = errors.New("argument validation failed")
)

// DenyError wraps ErrAuthorizationDenied with the engine's reasoning.
type DenyError struct {
	Reason     string
	Violations []string
}

func (e *DenyError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("authorization denied: %s (%s)", e.Reason, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

func (e *DenyError) Unwrap() error { return ErrAuthorizationDenied }

// InjectionError wraps ErrInjectionBlocked with the scan verdict. The
// message names prompt injection and the risk score so callers see why
// the request never reached the tool.
type InjectionError struct {
	Score    int
	Findings int
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("Prompt injection detected (risk score %d, %d findings)", e.Score, e.Findings)
}

func (e *InjectionError) Unwrap() error { return ErrInjectionBlocked }

// MFARequiredError wraps ErrMFARequired with the issued challenge so the
// caller can complete it and retry.
type MFARequiredError struct {
	ChallengeID string
	Method      string
}

func (e *MFARequiredError) Error() string {
	return fmt.Sprintf("mfa required: challenge %s issued via %s", e.ChallengeID, e.Method)
}

func (e *MFARequiredError) Unwrap() error { return ErrMFARequired }

// MFAFailedError wraps ErrMFAFailed with the verification outcome.
type MFAFailedError struct {
	ChallengeID string
	Reason      string
}

func (e *MFAFailedError) Error() string {
	return fmt.Sprintf("mfa verification failed for challenge %s: %s", e.ChallengeID, e.Reason)
}

func (e *MFAFailedError) Unwrap() error { return ErrMFAFailed }

// RateLimitError wraps ErrRateLimited or ErrBudgetExceeded with retry
// guidance.
type RateLimitError struct {
	RetryAfter time.Duration
	Budget     bool
}

func (e *RateLimitError) Error() string {
	if e.Budget {
		return fmt.Sprintf("daily budget exceeded, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	if e.Budget {
		return ErrBudgetExceeded
	}
	return ErrRateLimited
}

// ValidationError wraps ErrValidationFailed with the schema issues.
type ValidationError struct {
	CapabilityID string
	Issues       []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("argument validation failed for %s: %s", e.CapabilityID, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }
