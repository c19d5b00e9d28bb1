package ratelimit

import "context"

// Limiter is the interface for rate gate checks.
//
// Implementations should use the GCRA (Generic Cell Rate Algorithm)
// for smooth rate limiting without burst issues at window boundaries.
// GCRA provides more consistent behavior than fixed-window or
// sliding-window algorithms by spreading requests evenly over time.
// The daily budget is a separate per-UTC-day counter checked before
// the cell rate; a budget rejection sets Result.BudgetExhausted.
//
// This is a port (interface) in the hexagonal architecture.
// Implementations: in-memory GCRA (memory package).
type Limiter interface {
	// Allow checks if a request identified by key is allowed under the
	// given config and atomically consumes one cell when it is.
	//
	// The key should be a structured identifier created by FormatKey.
	// If the request is not allowed, RetryAfter in the result indicates
	// when the next request will be allowed; BudgetExhausted marks
	// rejections that will not clear until the next UTC day.
	Allow(ctx context.Context, key string, config Config) (Result, error)
}
