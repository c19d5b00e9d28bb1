package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for audit store operations.
var (
	// ErrInvalidRange is returned when a query time range is inverted.
	ErrInvalidRange = errors.New("invalid query time range")
)

// Query limits.
const (
	// DefaultQueryLimit applies when a filter does not set Limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit caps any single page of results.
	MaxQueryLimit = 1000
)

// Filter narrows event queries. Zero-valued fields match everything.
// Results are ordered newest first.
type Filter struct {
	// Start is the inclusive beginning of the time range.
	Start time.Time
	// End is the exclusive end of the time range.
	End time.Time
	// EventTypes restricts results to the given EventType* values.
	EventTypes []string
	// PrincipalID filters by requesting principal.
	PrincipalID string
	// ResourceID filters by targeted resource.
	ResourceID string
	// CapabilityID filters by targeted capability.
	CapabilityID string
	// Decision filters by allow, deny, or error.
	Decision string
	// MinSeverity drops events ranked below this severity.
	MinSeverity Severity
	// RequestID filters by correlation id.
	RequestID string
	// Limit caps the page size (default DefaultQueryLimit, max MaxQueryLimit).
	Limit int
	// Cursor resumes a previous page. Opaque; pass the NextCursor of the
	// prior QueryPage result.
	Cursor string
}

// Normalize clamps the filter limits and validates the range.
func (f *Filter) Normalize() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return ErrInvalidRange
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return nil
}

// Sink receives events for durable append. Implementations must treat
// inserts as append-only; events are never updated except for the
// SIEM forwarding stamp.
type Sink interface {
	// Insert appends events to the log.
	Insert(ctx context.Context, events ...Event) error
	// Close releases resources. Pending writes are flushed first.
	Close() error
}

// Store is the append-only temporal event log with query, SIEM bookkeeping,
// and retention sweeping on top of Sink.
// This is a port (interface) in the hexagonal architecture.
// Implementations: SQLite and PostgreSQL (adapter/outbound/audit),
// in-memory (memory package). The JSON-Lines file sink implements only Sink.
type Store interface {
	Sink

	// Query returns events matching the filter, newest first, with the
	// cursor for the next page. An empty cursor means no more pages.
	Query(ctx context.Context, filter Filter) ([]Event, string, error)

	// ListUnforwarded returns events at or above forwarding severity whose
	// SIEMForwardedAt is unset, oldest first, capped at limit. Used by the
	// forward worker to recover a backlog after restart.
	ListUnforwarded(ctx context.Context, limit int) ([]Event, error)

	// MarkForwarded stamps SIEMForwardedAt on the given events after a
	// successful forward. Unknown ids are ignored.
	MarkForwarded(ctx context.Context, ids []string, at time.Time) error

	// PurgeExpired deletes events whose retention horizon has passed.
	// Returns the number of events deleted.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// DecisionFilter narrows decision-log queries.
type DecisionFilter struct {
	// Start is the inclusive beginning of the time range.
	Start time.Time
	// End is the exclusive end of the time range.
	End time.Time
	// UserID filters by principal.
	UserID string
	// Action filters by capability action name.
	Action string
	// Result filters by allow or deny.
	Result string
	// SensitivityLevel filters by resource sensitivity.
	SensitivityLevel string
	// Limit caps the page size (default DefaultQueryLimit, max MaxQueryLimit).
	Limit int
	// Cursor resumes a previous page.
	Cursor string
}

// Normalize clamps the filter limits and validates the range.
func (f *DecisionFilter) Normalize() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return ErrInvalidRange
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return nil
}

// Analytics aggregates decision-log rows over a time range.
type Analytics struct {
	// Total is the number of decisions in range.
	Total int64 `json:"total"`
	// Allowed is the number of allow decisions.
	Allowed int64 `json:"allowed"`
	// Denied is the number of deny decisions.
	Denied int64 `json:"denied"`
	// CacheHits is the number of decisions served from the cache.
	CacheHits int64 `json:"cache_hits"`
	// LatencyP50MS is the median evaluation latency in milliseconds.
	LatencyP50MS float64 `json:"latency_p50_ms"`
	// LatencyP95MS is the 95th-percentile evaluation latency.
	LatencyP95MS float64 `json:"latency_p95_ms"`
	// LatencyP99MS is the 99th-percentile evaluation latency.
	LatencyP99MS float64 `json:"latency_p99_ms"`
	// ByAction counts decisions per capability action.
	ByAction map[string]int64 `json:"by_action"`
	// BySensitivity counts decisions per sensitivity level.
	BySensitivity map[string]int64 `json:"by_sensitivity"`
	// ByUserRole counts decisions per principal role.
	ByUserRole map[string]int64 `json:"by_user_role"`
}

// DecisionStore persists flattened policy decision rows.
// This is a port (interface) in the hexagonal architecture.
// Implementations: SQLite and PostgreSQL (adapter/outbound/audit),
// in-memory (memory package).
type DecisionStore interface {
	// InsertDecision appends one decision row.
	InsertDecision(ctx context.Context, row *DecisionLog) error

	// QueryDecisions returns rows matching the filter, newest first, with
	// the cursor for the next page.
	QueryDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionLog, string, error)

	// DecisionAnalytics aggregates rows between start and end.
	DecisionAnalytics(ctx context.Context, start, end time.Time) (*Analytics, error)
}
