package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

const defaultAuditCap = 10000

// AuditStore implements audit.Store and audit.DecisionStore with bounded
// in-memory ring buffers. Used in dev mode and tests where no database
// is configured; the oldest records are dropped once the cap is hit.
type AuditStore struct {
	events    []audit.Event
	decisions []audit.DecisionLog
	cap       int
	mu        sync.Mutex
}

// resolveCapacity returns the first positive capacity value, or defaultAuditCap.
func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultAuditCap
}

// NewAuditStore creates a new in-memory audit store.
// An optional capacity parameter sets the ring buffer size (default 10000).
func NewAuditStore(capacity ...int) *AuditStore {
	c := resolveCapacity(capacity...)
	return &AuditStore{
		events:    make([]audit.Event, 0, c),
		decisions: make([]audit.DecisionLog, 0, c),
		cap:       c,
	}
}

// Insert appends events to the ring buffer.
func (s *AuditStore) Insert(ctx context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if len(s.events) >= s.cap {
			copy(s.events, s.events[1:])
			s.events[len(s.events)-1] = e
		} else {
			s.events = append(s.events, e)
		}
	}
	return nil
}

// Close releases resources. No-op for the in-memory store.
func (s *AuditStore) Close() error {
	return nil
}

// Query returns events matching the filter, newest first, with the cursor
// for the next page. The cursor is the offset into the newest-first view.
func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, string, error) {
	if err := filter.Normalize(); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := decodeOffsetCursor(filter.Cursor)
	if err != nil {
		return nil, "", err
	}

	var result []audit.Event
	matched := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !eventMatches(e, filter) {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		if len(result) == filter.Limit {
			// One more match exists past the page; hand back a cursor.
			return result, strconv.Itoa(offset + filter.Limit), nil
		}
		result = append(result, e)
	}
	return result, "", nil
}

// decodeOffsetCursor parses the offset-style cursor used by this store.
func decodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed cursor")
	}
	return n, nil
}

// eventMatches reports whether an event passes every filter predicate.
func eventMatches(e audit.Event, f audit.Filter) bool {
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.CapabilityID != "" && e.CapabilityID != f.CapabilityID {
		return false
	}
	if f.Decision != "" && !strings.EqualFold(e.Decision, f.Decision) {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	return true
}

// ListUnforwarded returns events at or above forwarding severity whose
// SIEMForwardedAt is unset, oldest first, capped at limit.
func (s *AuditStore) ListUnforwarded(ctx context.Context, limit int) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []audit.Event
	for _, e := range s.events {
		if !e.Severity.ShouldForward() || e.SIEMForwardedAt != nil {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// MarkForwarded stamps SIEMForwardedAt on the given events.
// Unknown ids are ignored.
func (s *AuditStore) MarkForwarded(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.events {
		if want[s.events[i].ID] && s.events[i].SIEMForwardedAt == nil {
			stamp := at
			s.events[i].SIEMForwardedAt = &stamp
		}
	}
	return nil
}

// PurgeExpired deletes events whose retention horizon has passed.
// Returns the number of events deleted.
func (s *AuditStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var purged int64
	for _, e := range s.events {
		days := e.RetentionDays
		if days <= 0 {
			days = audit.RetentionFor(e.EventType)
		}
		if e.Timestamp.AddDate(0, 0, days).Before(now) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return purged, nil
}

// InsertDecision appends one decision row.
func (s *AuditStore) InsertDecision(ctx context.Context, row *audit.DecisionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.decisions) >= s.cap {
		copy(s.decisions, s.decisions[1:])
		s.decisions[len(s.decisions)-1] = *row
	} else {
		s.decisions = append(s.decisions, *row)
	}
	return nil
}

// QueryDecisions returns rows matching the filter, newest first, with the
// cursor for the next page.
func (s *AuditStore) QueryDecisions(ctx context.Context, filter audit.DecisionFilter) ([]audit.DecisionLog, string, error) {
	if err := filter.Normalize(); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := decodeOffsetCursor(filter.Cursor)
	if err != nil {
		return nil, "", err
	}

	var result []audit.DecisionLog
	matched := 0
	for i := len(s.decisions) - 1; i >= 0; i-- {
		row := s.decisions[i]
		if !decisionMatches(row, filter) {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		if len(result) == filter.Limit {
			return result, strconv.Itoa(offset + filter.Limit), nil
		}
		result = append(result, row)
	}
	return result, "", nil
}

// decisionMatches reports whether a row passes every filter predicate.
func decisionMatches(row audit.DecisionLog, f audit.DecisionFilter) bool {
	if !f.Start.IsZero() && row.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !row.Timestamp.Before(f.End) {
		return false
	}
	if f.UserID != "" && row.UserID != f.UserID {
		return false
	}
	if f.Action != "" && row.Action != f.Action {
		return false
	}
	if f.Result != "" && !strings.EqualFold(row.Result, f.Result) {
		return false
	}
	if f.SensitivityLevel != "" && row.SensitivityLevel != f.SensitivityLevel {
		return false
	}
	return true
}

// DecisionAnalytics aggregates rows between start and end.
func (s *AuditStore) DecisionAnalytics(ctx context.Context, start, end time.Time) (*audit.Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &audit.Analytics{
		ByAction:      make(map[string]int64),
		BySensitivity: make(map[string]int64),
		ByUserRole:    make(map[string]int64),
	}
	var latencies []float64
	for _, row := range s.decisions {
		if !start.IsZero() && row.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !row.Timestamp.Before(end) {
			continue
		}
		out.Total++
		if row.Allow {
			out.Allowed++
		} else {
			out.Denied++
		}
		if row.CacheHit {
			out.CacheHits++
		}
		if row.Action != "" {
			out.ByAction[row.Action]++
		}
		if row.SensitivityLevel != "" {
			out.BySensitivity[row.SensitivityLevel]++
		}
		if row.UserRole != "" {
			out.ByUserRole[row.UserRole]++
		}
		latencies = append(latencies, row.EvaluationDurationMS)
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		out.LatencyP50MS = percentile(latencies, 0.50)
		out.LatencyP95MS = percentile(latencies, 0.95)
		out.LatencyP99MS = percentile(latencies, 0.99)
	}
	return out, nil
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Compile-time interface verification.
var (
	_ audit.Store         = (*AuditStore)(nil)
	_ audit.DecisionStore = (*AuditStore)(nil)
)
