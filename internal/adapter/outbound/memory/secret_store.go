package memory

import (
	"context"
	"sync"

	"github.com/sark-labs/sark/internal/domain/mfa"
)

// SecretStore implements mfa.SecretStore with an in-memory map.
// Thread-safe for concurrent access. Seeded from the run-state file at
// boot; enrollment writes flow back out through the persist hook.
type SecretStore struct {
	secrets map[string]string // principal ID -> base32 secret
	persist func(principalID, secret string) error
	mu      sync.RWMutex
}

// NewSecretStore creates a new in-memory TOTP secret store.
func NewSecretStore() *SecretStore {
	return &SecretStore{
		secrets: make(map[string]string),
	}
}

// WithPersist sets a hook invoked after every successful SetSecret.
// Used to write enrollments through to the run-state file.
func (s *SecretStore) WithPersist(fn func(principalID, secret string) error) *SecretStore {
	s.persist = fn
	return s
}

// GetSecret returns the base32 TOTP secret for a principal.
// Returns mfa.ErrSecretNotEnrolled if the principal has no secret.
func (s *SecretStore) GetSecret(ctx context.Context, principalID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[principalID]
	if !ok {
		return "", mfa.ErrSecretNotEnrolled
	}
	return secret, nil
}

// SetSecret stores or replaces a principal's TOTP secret.
func (s *SecretStore) SetSecret(ctx context.Context, principalID, secret string) error {
	s.mu.Lock()
	s.secrets[principalID] = secret
	s.mu.Unlock()

	if s.persist != nil {
		return s.persist(principalID, secret)
	}
	return nil
}

// Compile-time interface verification.
var _ mfa.SecretStore = (*SecretStore)(nil)
