package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sark-labs/sark/internal/domain/anomaly"
)

// defaultEventsPerPrincipal bounds the per-principal event history.
// At the default baseline lookback of 30 days this comfortably holds a
// heavy interactive user; older events age out of the window anyway.
const defaultEventsPerPrincipal = 100000

// AnomalyStore implements anomaly.Store with in-memory slices.
// Thread-safe for concurrent access. Event history is bounded per
// principal; the oldest observations are dropped once the cap is hit.
type AnomalyStore struct {
	events    map[string][]anomaly.Event // principal ID -> events, oldest first
	baselines map[string]*anomaly.Baseline
	maxEvents int
	mu        sync.RWMutex
}

// NewAnomalyStore creates a new in-memory anomaly store.
func NewAnomalyStore() *AnomalyStore {
	return NewAnomalyStoreWithCapacity(defaultEventsPerPrincipal)
}

// NewAnomalyStoreWithCapacity creates a store with a custom per-principal
// event cap. Caps below 1 fall back to the default.
func NewAnomalyStoreWithCapacity(maxEvents int) *AnomalyStore {
	if maxEvents < 1 {
		maxEvents = defaultEventsPerPrincipal
	}
	return &AnomalyStore{
		events:    make(map[string][]anomaly.Event),
		baselines: make(map[string]*anomaly.Baseline),
		maxEvents: maxEvents,
	}
}

// RecordEvent appends one behavioral observation.
func (s *AnomalyStore) RecordEvent(ctx context.Context, event anomaly.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.events[event.PrincipalID]
	if len(history) >= s.maxEvents {
		// Shift left, drop oldest.
		copy(history, history[1:])
		history[len(history)-1] = event
	} else {
		history = append(history, event)
	}
	s.events[event.PrincipalID] = history
	return nil
}

// EventsSince returns a principal's events at or after the cutoff, oldest first.
func (s *AnomalyStore) EventsSince(ctx context.Context, principalID string, since time.Time) ([]anomaly.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[principalID]
	// Events arrive roughly in time order but not strictly; filter, then sort.
	var result []anomaly.Event
	for _, e := range history {
		if !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// GetBaseline returns the cached baseline for a principal.
// Returns anomaly.ErrBaselineNotFound if none has been computed.
func (s *AnomalyStore) GetBaseline(ctx context.Context, principalID string) (*anomaly.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.baselines[principalID]
	if !ok {
		return nil, anomaly.ErrBaselineNotFound
	}
	return copyBaseline(b), nil
}

// PutBaseline stores or replaces a principal's baseline.
func (s *AnomalyStore) PutBaseline(ctx context.Context, baseline *anomaly.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baselines[baseline.PrincipalID] = copyBaseline(baseline)
	return nil
}

// EventCount returns the number of stored events for a principal.
// Useful for testing the history cap.
func (s *AnomalyStore) EventCount(principalID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events[principalID])
}

// copyBaseline creates a deep copy of a baseline.
func copyBaseline(b *anomaly.Baseline) *anomaly.Baseline {
	c := *b
	if b.CommonCapabilities != nil {
		c.CommonCapabilities = append([]string(nil), b.CommonCapabilities...)
	}
	if b.TypicalHours != nil {
		c.TypicalHours = append([]int(nil), b.TypicalHours...)
	}
	if b.TypicalDays != nil {
		c.TypicalDays = append([]time.Weekday(nil), b.TypicalDays...)
	}
	if b.TypicalLocations != nil {
		c.TypicalLocations = append([]string(nil), b.TypicalLocations...)
	}
	return &c
}

// Compile-time interface verification.
var _ anomaly.Store = (*AnomalyStore)(nil)
