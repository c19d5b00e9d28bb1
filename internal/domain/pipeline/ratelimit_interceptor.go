package pipeline

import (
	"context"
	"log/slog"

	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/ratelimit"
)

// RateLimitInterceptor enforces the per-principal request rate and daily
// budget, plus an optional per-capability ceiling shared by all callers.
// The limiter's GCRA cell admits or rejects; a budget rejection is
// surfaced as ErrBudgetExceeded so clients know retrying within the day
// is pointless.
//
// Position in chain: after Validation, before Injection.
type RateLimitInterceptor struct {
	limiter       ratelimit.Limiter
	principalCfg  ratelimit.Config
	capabilityCfg *ratelimit.Config // nil disables the capability dimension
	next          Interceptor
	logger        *slog.Logger
}

// NewRateLimitInterceptor creates a new RateLimitInterceptor.
func NewRateLimitInterceptor(
	limiter ratelimit.Limiter,
	principalCfg ratelimit.Config,
	capabilityCfg *ratelimit.Config,
	next Interceptor,
	logger *slog.Logger,
) *RateLimitInterceptor {
	return &RateLimitInterceptor{
		limiter:       limiter,
		principalCfg:  principalCfg,
		capabilityCfg: capabilityCfg,
		next:          next,
		logger:        logger,
	}
}

// Intercept checks the principal and capability dimensions before
// passing the request on. Limiter infrastructure errors fail open:
// availability wins over throttling accuracy.
func (r *RateLimitInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	if req.Principal != nil {
		key := ratelimit.FormatKey(ratelimit.KeyTypePrincipal, req.Principal.ID)
		result, err := r.limiter.Allow(ctx, key, r.principalCfg)
		if err != nil {
			r.logger.Error("principal rate limit check failed",
				"principal_id", req.Principal.ID,
				"error", err,
			)
			return r.next.Intercept(ctx, req)
		}
		if !result.Allowed {
			req.RetryAfter = result.RetryAfter
			if result.BudgetExhausted {
				r.logger.Warn("daily budget exhausted",
					"principal_id", req.Principal.ID,
					"retry_after", result.RetryAfter,
				)
				return nil, &RateLimitError{RetryAfter: result.RetryAfter, Budget: true}
			}
			r.logger.Warn("principal rate limited",
				"principal_id", req.Principal.ID,
				"retry_after", result.RetryAfter,
			)
			return nil, &RateLimitError{RetryAfter: result.RetryAfter}
		}
	}

	if r.capabilityCfg != nil && req.Capability != nil {
		key := ratelimit.FormatKey(ratelimit.KeyTypeCapability, req.Capability.ID)
		result, err := r.limiter.Allow(ctx, key, *r.capabilityCfg)
		if err != nil {
			r.logger.Error("capability rate limit check failed",
				"capability_id", req.Capability.ID,
				"error", err,
			)
			return r.next.Intercept(ctx, req)
		}
		if !result.Allowed {
			req.RetryAfter = result.RetryAfter
			r.logger.Warn("capability rate limited",
				"capability_id", req.Capability.ID,
				"retry_after", result.RetryAfter,
			)
			return nil, &RateLimitError{RetryAfter: result.RetryAfter}
		}
	}

	return r.next.Intercept(ctx, req)
}

// Compile-time check that RateLimitInterceptor implements Interceptor.
var _ Interceptor = (*RateLimitInterceptor)(nil)
