package memory

import (
	"context"
	"sync"

	"github.com/sark-labs/sark/internal/domain/policy"
)

// ChangeStore implements policy.ChangeStore with in-memory slices.
// Thread-safe for concurrent access. Entries are append-only per policy
// name; version gaps or rewrites are rejected with ErrVersionConflict.
type ChangeStore struct {
	entries map[string][]*policy.ChangeEntry // policy name -> entries, oldest first
	mu      sync.RWMutex
}

// NewChangeStore creates a new in-memory policy change store.
func NewChangeStore() *ChangeStore {
	return &ChangeStore{
		entries: make(map[string][]*policy.ChangeEntry),
	}
}

// Append stores a new entry. Returns policy.ErrVersionConflict when the
// entry's version is not latest+1 for its policy name.
func (s *ChangeStore) Append(ctx context.Context, entry *policy.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.entries[entry.PolicyName]
	want := 1
	if len(chain) > 0 {
		want = chain[len(chain)-1].Version + 1
	}
	if entry.Version != want {
		return policy.ErrVersionConflict
	}
	s.entries[entry.PolicyName] = append(chain, copyChangeEntry(entry))
	return nil
}

// Latest returns the newest entry for a policy name.
// Returns policy.ErrNoChanges when the name has no history.
func (s *ChangeStore) Latest(ctx context.Context, policyName string) (*policy.ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[policyName]
	if len(chain) == 0 {
		return nil, policy.ErrNoChanges
	}
	return copyChangeEntry(chain[len(chain)-1]), nil
}

// List returns a policy's entries, newest first, up to limit.
// A limit of 0 means no limit.
func (s *ChangeStore) List(ctx context.Context, policyName string, limit int) ([]*policy.ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[policyName]
	n := len(chain)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]*policy.ChangeEntry, 0, n)
	for i := len(chain) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, copyChangeEntry(chain[i]))
	}
	return result, nil
}

// copyChangeEntry creates a deep copy of a change entry.
func copyChangeEntry(e *policy.ChangeEntry) *policy.ChangeEntry {
	c := *e
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	return &c
}

// Compile-time interface verification.
var _ policy.ChangeStore = (*ChangeStore)(nil)
