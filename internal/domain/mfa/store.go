package mfa

import (
	"context"
	"errors"
)

// ChallengeStore provides challenge persistence with TTL semantics.
// This interface is defined in the domain to avoid circular imports.
// Implementations: Redis (prod), in-memory (test).
type ChallengeStore interface {
	// Create stores a new challenge. The backing store expires it no
	// earlier than ExpiresAt; state checks still consult ExpiresAt.
	Create(ctx context.Context, challenge *Challenge) error

	// Get retrieves a challenge by ID.
	// Returns ErrChallengeNotFound if the challenge doesn't exist or
	// has been swept.
	Get(ctx context.Context, id string) (*Challenge, error)

	// Update saves changes to an existing challenge.
	Update(ctx context.Context, challenge *Challenge) error

	// Delete removes a challenge.
	Delete(ctx context.Context, id string) error
}

// SecretStore holds enrolled TOTP secrets keyed by principal.
// Implementations: in-memory backed by the state file.
type SecretStore interface {
	// GetSecret returns the base32 TOTP secret for a principal.
	// Returns ErrSecretNotEnrolled if the principal has no secret.
	GetSecret(ctx context.Context, principalID string) (string, error)

	// SetSecret stores or replaces a principal's TOTP secret.
	SetSecret(ctx context.Context, principalID, secret string) error
}

// ErrChallengeNotFound is returned when a challenge doesn't exist or has
// been swept by the store.
var ErrChallengeNotFound = errors.New("challenge not found")

// ErrSecretNotEnrolled is returned when a principal has no TOTP secret.
var ErrSecretNotEnrolled = errors.New("totp secret not enrolled")
