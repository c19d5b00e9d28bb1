// Package ratelimit provides the request-rate gate of the decision
// pipeline: GCRA cell-rate limiting with burst plus a per-day budget.
package ratelimit

import (
	"fmt"
	"time"
)

// Config defines the gate parameters applied to one key.
type Config struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Burst should be >= Rate for meaningful operation.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration

	// DailyBudget caps total events per UTC day, independent of the
	// cell rate. Zero means no budget is enforced.
	DailyBudget int
}

// Result contains the outcome of a gate check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Remaining is the number of remaining requests in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the rate limit fully resets.
	ResetAfter time.Duration

	// BudgetExhausted marks a rejection caused by the daily budget
	// rather than the cell rate. Callers surface it as a budget error,
	// not a retryable rate limit.
	BudgetExhausted bool

	// BudgetRemaining is the number of events left in today's budget.
	// Negative when no budget is configured.
	BudgetRemaining int
}

// KeyType identifies the dimension of a rate limit key.
type KeyType string

const (
	// KeyTypePrincipal limits one principal across all capabilities.
	KeyTypePrincipal KeyType = "principal"

	// KeyTypeCapability limits one capability across all principals.
	KeyTypeCapability KeyType = "capability"

	// KeyTypeIP limits one client address. Used for unauthenticated
	// surfaces where no principal is known yet.
	KeyTypeIP KeyType = "ip"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypePrincipal, "alice") -> "ratelimit:principal:alice"
//   - FormatKey(KeyTypeCapability, "cap-1") -> "ratelimit:capability:cap-1"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
