package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
)

// ChangeKind classifies a policy change.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeDeleted     ChangeKind = "deleted"
	ChangeActivated   ChangeKind = "activated"
	ChangeDeactivated ChangeKind = "deactivated"
)

// IsValid checks if the kind is a known value.
func (k ChangeKind) IsValid() bool {
	switch k {
	case ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeActivated, ChangeDeactivated:
		return true
	}
	return false
}

// ChangeEntry records one edit to a named policy.
type ChangeEntry struct {
	// ID is the unique identifier for this entry.
	ID string
	// PolicyName scopes the version sequence.
	PolicyName string
	// Version increases by exactly 1 per policy name, starting at 1.
	Version int
	// Kind classifies the change.
	Kind ChangeKind
	// AuthorID is the principal who made the change.
	AuthorID string
	// Content is the full policy source after the change.
	Content string
	// Diff is a unified diff against the previous version's content.
	Diff string
	// ContentHash is the SHA-256 of Content, hex-encoded.
	ContentHash string
	// Approver is set when the change went through review.
	Approver string
	// Tags label the change for later search.
	Tags []string
	// CreatedAt is when the change was recorded (UTC).
	CreatedAt time.Time
}

// ChangeStore persists the append-only policy change log.
// This is a port (interface) in the hexagonal architecture.
// Implementations: in-memory (memory package).
type ChangeStore interface {
	// Append stores a new entry. Returns ErrVersionConflict when the
	// entry's version is not latest+1 for its policy name.
	Append(ctx context.Context, entry *ChangeEntry) error

	// Latest returns the newest entry for a policy name.
	// Returns ErrNoChanges when the name has no history.
	Latest(ctx context.Context, policyName string) (*ChangeEntry, error)

	// List returns a policy's entries, newest first, up to limit.
	// A limit of 0 means no limit.
	List(ctx context.Context, policyName string, limit int) ([]*ChangeEntry, error)
}

// Change log errors.
var (
	// ErrNoChanges is returned when a policy name has no recorded history.
	ErrNoChanges = errors.New("no changes recorded for policy")
	// ErrVersionConflict is returned when an append races another writer.
	ErrVersionConflict = errors.New("change entry version conflict")
)

// ChangeInput is the caller-supplied part of a change record.
type ChangeInput struct {
	PolicyName string
	Kind       ChangeKind
	AuthorID   string
	Content    string
	Approver   string
	Tags       []string
}

// appendRetries bounds re-reads when concurrent writers race on a
// policy name.
const appendRetries = 3

// ChangeLog assigns versions, diffs, and content hashes to policy edits
// and appends them to the store.
type ChangeLog struct {
	store ChangeStore
}

// NewChangeLog creates a ChangeLog over the given store.
func NewChangeLog(store ChangeStore) *ChangeLog {
	return &ChangeLog{store: store}
}

// Record appends one change. Version is max(version)+1 scoped by policy
// name; the diff is computed against the previous version's content.
func (l *ChangeLog) Record(ctx context.Context, input ChangeInput) (*ChangeEntry, error) {
	if input.PolicyName == "" {
		return nil, errors.New("policy name is required")
	}
	if !input.Kind.IsValid() {
		return nil, fmt.Errorf("invalid change kind %q", input.Kind)
	}

	sum := sha256.Sum256([]byte(input.Content))
	hash := hex.EncodeToString(sum[:])

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		version := 1
		previous := ""
		prev, err := l.store.Latest(ctx, input.PolicyName)
		switch {
		case err == nil:
			version = prev.Version + 1
			previous = prev.Content
		case errors.Is(err, ErrNoChanges):
		default:
			return nil, fmt.Errorf("load latest change: %w", err)
		}

		diff, err := unifiedDiff(input.PolicyName, previous, input.Content, version)
		if err != nil {
			return nil, fmt.Errorf("compute diff: %w", err)
		}

		entry := &ChangeEntry{
			ID:          uuid.NewString(),
			PolicyName:  input.PolicyName,
			Version:     version,
			Kind:        input.Kind,
			AuthorID:    input.AuthorID,
			Content:     input.Content,
			Diff:        diff,
			ContentHash: hash,
			Approver:    input.Approver,
			Tags:        input.Tags,
			CreatedAt:   time.Now().UTC(),
		}

		err = l.store.Append(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("append change: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append change: %w", lastErr)
}

// History returns a policy's change entries, newest first.
func (l *ChangeLog) History(ctx context.Context, policyName string, limit int) ([]*ChangeEntry, error) {
	return l.store.List(ctx, policyName, limit)
}

func unifiedDiff(name, before, after string, version int) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: fmt.Sprintf("%s@v%d", name, version-1),
		ToFile:   fmt.Sprintf("%s@v%d", name, version),
		Context:  3,
	})
}
