package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sark-labs/sark/internal/domain/ratelimit"
)

// budgetCell tracks per-UTC-day consumption for one key.
type budgetCell struct {
	day   string // "2006-01-02" in UTC
	count int
}

// RateLimiter implements ratelimit.Limiter using GCRA in memory, plus a
// per-UTC-day budget counter checked before the cell rate.
// Thread-safe for concurrent access. Includes background cleanup to
// prevent unbounded memory growth.
type RateLimiter struct {
	cells           map[string]time.Time // Theoretical Arrival Time per key
	budgets         map[string]*budgetCell
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup
// settings. Default cleanup interval: 5 minutes, default maxTTL: 1 hour.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom
// cleanup settings.
// cleanupInterval: how often to run cleanup (e.g., 5 minutes)
// maxTTL: maximum age of a key before removal (e.g., 1 hour)
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *RateLimiter {
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		budgets:         make(map[string]*budgetCell),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		now:             time.Now,
	}
}

// Allow checks if a request is allowed under the given gate config.
// The daily budget is evaluated first: once a key's budget for the current
// UTC day is spent, requests are rejected with BudgetExhausted until the
// day rolls over. Otherwise GCRA (Generic Cell Rate Algorithm) applies for
// smooth rate limiting. A request consumes budget only when the cell rate
// also admits it.
func (r *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	day := now.UTC().Format("2006-01-02")

	budgetRemaining := -1
	var budget *budgetCell
	if config.DailyBudget > 0 {
		budget = r.budgets[key]
		if budget == nil || budget.day != day {
			budget = &budgetCell{day: day}
			r.budgets[key] = budget
		}
		budgetRemaining = config.DailyBudget - budget.count
		if budgetRemaining <= 0 {
			return ratelimit.Result{
				Allowed:         false,
				Remaining:       0,
				RetryAfter:      untilNextUTCDay(now),
				ResetAfter:      untilNextUTCDay(now),
				BudgetExhausted: true,
				BudgetRemaining: 0,
			}, nil
		}
	}

	// Calculate emission interval (time between allowed requests)
	if config.Rate <= 0 {
		config.Rate = 1
	}
	emission := config.Period / time.Duration(config.Rate)

	// Burst offset allows burst number of requests at once
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	burstOffset := time.Duration(config.Burst) * emission

	// Get or initialize TAT (Theoretical Arrival Time)
	tat, exists := r.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	// Calculate when this request would be allowed
	allowAt := tat.Add(-burstOffset)

	if now.Before(allowAt) {
		// Request not allowed yet
		return ratelimit.Result{
			Allowed:         false,
			Remaining:       0,
			RetryAfter:      allowAt.Sub(now),
			ResetAfter:      tat.Sub(now),
			BudgetRemaining: budgetRemaining,
		}, nil
	}

	// Allow request, advance TAT and consume budget
	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	r.cells[key] = newTAT
	if budget != nil {
		budget.count++
		budgetRemaining--
	}

	// Calculate remaining requests
	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > config.Burst {
		remaining = config.Burst
	}

	return ratelimit.Result{
		Allowed:         true,
		Remaining:       remaining,
		RetryAfter:      0,
		ResetAfter:      newTAT.Sub(now),
		BudgetRemaining: budgetRemaining,
	}, nil
}

// untilNextUTCDay returns the duration until midnight UTC.
func untilNextUTCDay(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(utc)
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes keys older than maxTTL and budget
// cells from previous days. It stops when ctx is cancelled or Stop() is
// called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys older than maxTTL and stale budget cells.
// This method acquires a write lock and should only be called
// by the background cleanup goroutine.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.maxTTL)
	day := now.UTC().Format("2006-01-02")
	cleaned := 0

	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}
	for key, b := range r.budgets {
		if b.day != day {
			delete(r.budgets, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
// Useful for testing and monitoring memory usage.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
