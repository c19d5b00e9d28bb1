// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sark-labs/sark/internal/domain/principal"
)

// PrincipalStore implements principal.Store with in-memory maps.
// Thread-safe for concurrent access. Seeded from configuration at boot;
// the only mutation the gateway performs afterwards is the suspension flag.
type PrincipalStore struct {
	principals map[string]*principal.Principal // ID -> Principal
	keys       map[string]*principal.APIKey    // key hash -> APIKey
	mu         sync.RWMutex
}

// NewPrincipalStore creates a new in-memory principal store.
func NewPrincipalStore() *PrincipalStore {
	return &PrincipalStore{
		principals: make(map[string]*principal.Principal),
		keys:       make(map[string]*principal.APIKey),
	}
}

// GetPrincipal retrieves a principal by ID.
// Returns principal.ErrPrincipalNotFound if the principal doesn't exist.
func (s *PrincipalStore) GetPrincipal(ctx context.Context, id string) (*principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, principal.ErrPrincipalNotFound
	}
	return p.Clone(), nil
}

// ListPrincipals returns all known principals sorted by ID.
func (s *PrincipalStore) ListPrincipals(ctx context.Context) ([]principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]principal.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		result = append(result, *p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetAPIKey retrieves an API key by its hash.
// Returns principal.ErrKeyNotFound if the key doesn't exist.
func (s *PrincipalStore) GetAPIKey(ctx context.Context, keyHash string) (*principal.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyHash]
	if !ok {
		return nil, principal.ErrKeyNotFound
	}

	// Return a copy to prevent mutation
	keyCopy := *key
	return &keyCopy, nil
}

// ListAPIKeys returns all stored API keys for iteration-based verification.
func (s *PrincipalStore) ListAPIKeys(ctx context.Context) ([]*principal.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*principal.APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		keyCopy := *key
		result = append(result, &keyCopy)
	}
	return result, nil
}

// SetSuspended flips the local suspension flag on a principal.
// Returns principal.ErrPrincipalNotFound if the principal doesn't exist.
func (s *PrincipalStore) SetSuspended(ctx context.Context, id string, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return principal.ErrPrincipalNotFound
	}
	p.Suspended = suspended
	return nil
}

// AddPrincipal adds a principal (for seeding at boot and tests).
func (s *PrincipalStore) AddPrincipal(p *principal.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p.Clone()
}

// AddKey adds an API key (for seeding at boot and tests).
func (s *PrincipalStore) AddKey(key *principal.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	keyCopy := *key
	s.keys[key.Key] = &keyCopy
}

// RemoveKey removes an API key by its stored hash field.
func (s *PrincipalStore) RemoveKey(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyHash)
}

// Compile-time interface verification.
var _ principal.Store = (*PrincipalStore)(nil)
