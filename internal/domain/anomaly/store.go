package anomaly

import (
	"context"
	"errors"
	"time"
)

// ErrBaselineNotFound is returned when no baseline exists for a principal.
var ErrBaselineNotFound = errors.New("baseline not found")

// Store persists behavioral events and cached baselines.
// This is a port (interface) in the hexagonal architecture.
// Implementations: in-memory (memory package).
type Store interface {
	// RecordEvent appends one behavioral observation.
	RecordEvent(ctx context.Context, event Event) error
	// EventsSince returns a principal's events at or after the cutoff,
	// oldest first.
	EventsSince(ctx context.Context, principalID string, since time.Time) ([]Event, error)
	// GetBaseline returns the cached baseline for a principal.
	// Returns ErrBaselineNotFound if none has been computed.
	GetBaseline(ctx context.Context, principalID string) (*Baseline, error)
	// PutBaseline stores or replaces a principal's baseline.
	PutBaseline(ctx context.Context, baseline *Baseline) error
}
