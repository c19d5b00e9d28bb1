package sark

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned when the gateway's decision pipeline
	// rejects an invocation.
	ErrDenied = errors.New("invocation denied")

	// ErrMFARequired is returned when the capability is gated behind a
	// challenge the caller has not yet satisfied.
	ErrMFARequired = errors.New("mfa required")

	// ErrRateLimited is returned when the principal or capability rate
	// limit, or the daily budget, is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnreachable is returned when the gateway cannot be contacted
	// after the retry budget is spent.
	ErrUnreachable = errors.New("gateway unreachable")
)

// APIError is the base error for gateway responses that do not map to
// a more specific type. Code carries the gateway's machine-readable
// error code, for example "invalid_body" or "unknown_capability".
type APIError struct {
	// Status is the HTTP status code.
	Status int
	// Code is the gateway error code.
	Code string
	// Message is the human-readable explanation.
	Message string
	// RequestID correlates with gateway audit events.
	RequestID string
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sark [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sark [%s]: HTTP %d", e.Code, e.Status)
}

// DeniedError is returned when governance rejects an invocation before
// it reaches the upstream. Code distinguishes the rejecting stage:
// "authorization_denied", "injection_blocked", or "mfa_failed".
type DeniedError struct {
	// Code is the gateway error code naming the rejecting stage.
	Code string
	// Reason explains why the invocation was rejected.
	Reason string
	// RequestID correlates with gateway audit events.
	RequestID string
}

// Error returns a human-readable description of the rejection.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("invocation denied (%s): %s", e.Code, e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// MFARequiredError is returned when the capability requires a
// completed challenge. Obtain the code out of band for the named
// method, call Client.VerifyChallenge with ChallengeID, then repeat
// the invocation.
type MFARequiredError struct {
	// ChallengeID identifies the pending challenge.
	ChallengeID string
	// Method is the challenge delivery method, for example "totp".
	Method string
	// RequestID correlates with gateway audit events.
	RequestID string
}

// Error returns a human-readable description of the pending challenge.
func (e *MFARequiredError) Error() string {
	return fmt.Sprintf("mfa required: complete challenge %s via %s", e.ChallengeID, e.Method)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrMFARequired).
func (e *MFARequiredError) Is(target error) bool {
	return target == ErrMFARequired
}

// RateLimitError is returned when a rate limit or daily budget refuses
// the invocation.
type RateLimitError struct {
	// RetryAfter is how long to wait before retrying.
	RetryAfter time.Duration
	// Budget is true when the daily budget, rather than the rate
	// limit, was exhausted.
	Budget bool
	// RequestID correlates with gateway audit events.
	RequestID string
}

// Error returns a human-readable description of the limit.
func (e *RateLimitError) Error() string {
	if e.Budget {
		return fmt.Sprintf("daily budget exceeded, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// UnreachableError is returned when every delivery attempt failed at
// the transport level. The gateway may never have seen the request.
type UnreachableError struct {
	// Cause is the last transport failure.
	Cause error
}

// Error returns a human-readable description of the transport failure.
func (e *UnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gateway unreachable: %v", e.Cause)
	}
	return "gateway unreachable"
}

// Unwrap returns the underlying transport failure.
func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnreachable).
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}
