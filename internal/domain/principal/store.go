package principal

import (
	"context"
	"errors"
)

// Sentinel errors for identity store operations.
var (
	// ErrPrincipalNotFound is returned when a principal is not found.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrKeyNotFound is returned when an API key is not found.
	ErrKeyNotFound = errors.New("api key not found")
)

// Store provides identity lookup for gateway authentication.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (dev, config-seeded).
type Store interface {
	// GetPrincipal retrieves a principal by ID.
	// Returns ErrPrincipalNotFound if the principal doesn't exist.
	GetPrincipal(ctx context.Context, id string) (*Principal, error)

	// ListPrincipals returns all known principals.
	ListPrincipals(ctx context.Context) ([]Principal, error)

	// GetAPIKey retrieves an API key by its hash.
	// Returns ErrKeyNotFound if the key doesn't exist.
	GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// ListAPIKeys returns all stored API keys for iteration-based verification.
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)

	// SetSuspended flips the local suspension flag on a principal.
	// Returns ErrPrincipalNotFound if the principal doesn't exist.
	SetSuspended(ctx context.Context, id string, suspended bool) error
}
