// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sark-labs/sark/internal/domain/policy"
)

// lruEntry is a doubly-linked list node for the decision cache.
type lruEntry struct {
	key       uint64
	decision  policy.Decision
	expiresAt time.Time
	prev      *lruEntry
	next      *lruEntry
}

// decisionCache is a bounded LRU cache with per-entry TTL.
// Thread-safe with Mutex (both get and put mutate LRU order).
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// get retrieves a cached decision. An expired entry is removed and
// reported as a miss. On hit, the entry is promoted to the head.
func (c *decisionCache) get(key uint64, now time.Time) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return policy.Decision{}, false
	}
	if now.After(e.expiresAt) {
		c.unlinkLocked(e)
		delete(c.entries, key)
		return policy.Decision{}, false
	}
	c.moveToHeadLocked(e)
	return e.decision, true
}

// put stores a decision. At capacity the least recently used entry is
// evicted.
func (c *decisionCache) put(key uint64, decision policy.Decision, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		e.expiresAt = now.Add(ttl)
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision, expiresAt: now.Add(ttl)}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// clear empties the cache. Called on policy change.
func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *decisionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *decisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *decisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *decisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// PolicyService answers authorization queries by delegating to the
// policy evaluator behind a bounded LRU decision cache. Identical
// in-flight evaluations are coalesced so a cold key is computed once
// no matter how many requests race on it.
//
// The service never fails open itself: evaluator errors propagate to
// the caller, and the policy stage of the pipeline maps them to a deny.
type PolicyService struct {
	evaluator policy.Evaluator
	mount     string
	cache     *decisionCache
	group     singleflight.Group
	logger    *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = newDecisionCache(size)
	}
}

// WithMount restricts evaluation to the bundles mounted at path.
// Empty (the default) evaluates every loaded bundle.
func WithMount(path string) PolicyServiceOption {
	return func(s *PolicyService) {
		s.mount = path
	}
}

// NewPolicyService creates a new PolicyService over the given evaluator.
func NewPolicyService(evaluator policy.Evaluator, logger *slog.Logger, opts ...PolicyServiceOption) *PolicyService {
	s := &PolicyService{
		evaluator: evaluator,
		cache:     newDecisionCache(1000), // default 1000 entries
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize evaluates the input against the mounted policy bundles.
// Cached decisions are returned with CacheHit set; callers that await a
// coalesced in-flight evaluation are marked the same way since they
// skipped the evaluator. The decision TTL is evaluator-supplied, with
// policy.DefaultDecisionTTL when absent.
func (s *PolicyService) Authorize(ctx context.Context, input *policy.AuthorizationInput) (*policy.Decision, error) {
	start := time.Now()
	key := policy.CacheKey(input)

	if cached, ok := s.cache.get(key, start); ok {
		s.hits.Add(1)
		cached.CacheHit = true
		cached.Duration = time.Since(start)
		return &cached, nil
	}
	s.misses.Add(1)

	// ran is set only in the caller whose closure executes; coalesced
	// waiters share the result without running the evaluator.
	ran := false
	v, err, _ := s.group.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		ran = true
		decision, evalErr := s.evaluator.Evaluate(ctx, s.mount, input)
		if evalErr != nil {
			return nil, evalErr
		}
		s.cache.put(key, *decision, decision.CacheTTL(), time.Now())
		return *decision, nil
	})
	if err != nil {
		s.logger.Error("policy evaluation failed",
			"principal_id", input.User.ID,
			"action", input.Action,
			"error", err,
		)
		return nil, err
	}
	if !ran {
		s.coalesced.Add(1)
	}

	decision := v.(policy.Decision)
	decision.CacheHit = !ran
	decision.Duration = time.Since(start)
	return &decision, nil
}

// InvalidateCache drops every cached decision. Called after policy
// bundle edits so stale verdicts do not outlive the rules that made
// them. TTL expiry bounds staleness for out-of-band edits.
func (s *PolicyService) InvalidateCache() {
	s.cache.clear()
	s.logger.Info("decision cache invalidated")
}

// DecisionCacheStats is a point-in-time snapshot of cache behavior.
type DecisionCacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
}

// CacheStats returns cache counters for the health and metrics surfaces.
func (s *PolicyService) CacheStats() DecisionCacheStats {
	return DecisionCacheStats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Coalesced: s.coalesced.Load(),
		Entries:   s.cache.size(),
		Capacity:  s.cache.maxSize,
	}
}
