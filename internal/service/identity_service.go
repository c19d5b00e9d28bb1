package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/port/outbound"
)

// ErrNoBearerSupport is returned when bearer authentication is attempted
// but no token verifier is configured.
var ErrNoBearerSupport = errors.New("bearer authentication not configured")

// IdentityService authenticates gateway callers. API keys resolve through
// the principal store with a SHA-256 fast path and an Argon2id fallback;
// bearer tokens resolve through the configured token verifier. Both paths
// refuse suspended principals.
type IdentityService struct {
	store    principal.Store
	keys     *principal.APIKeyService
	verifier outbound.TokenVerifier // optional, may be nil
	logger   *slog.Logger
}

// NewIdentityService creates a new IdentityService.
// verifier may be nil when bearer authentication is disabled.
func NewIdentityService(store principal.Store, verifier outbound.TokenVerifier, logger *slog.Logger) *IdentityService {
	return &IdentityService{
		store:    store,
		keys:     principal.NewAPIKeyService(store),
		verifier: verifier,
		logger:   logger,
	}
}

// AuthenticateAPIKey validates a raw API key and returns the principal.
// Returns principal.ErrInvalidKey for unknown, expired, or revoked keys,
// and principal.ErrSuspended for keys of suspended principals.
func (s *IdentityService) AuthenticateAPIKey(ctx context.Context, rawKey string) (*principal.Principal, error) {
	if rawKey == "" {
		return nil, principal.ErrInvalidKey
	}

	p, err := s.keys.Validate(ctx, rawKey)
	if err != nil {
		if errors.Is(err, principal.ErrSuspended) {
			s.logger.Warn("suspended principal attempted api key auth")
			return nil, err
		}
		return nil, principal.ErrInvalidKey
	}

	s.logger.Debug("api key authenticated", "principal_id", p.ID, "role", p.Role)
	return p, nil
}

// AuthenticateBearer validates a bearer token and returns the principal.
// The token's claims carry the principal snapshot; the local suspension
// flag is overlaid when the principal is known to the store, so the
// anomaly pipeline's auto-suspend takes effect on token auth too.
func (s *IdentityService) AuthenticateBearer(ctx context.Context, token string) (*principal.Principal, error) {
	if s.verifier == nil {
		return nil, ErrNoBearerSupport
	}
	if token == "" {
		return nil, principal.ErrInvalidKey
	}

	p, err := s.verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Debug("bearer token rejected", "error", err)
		return nil, principal.ErrInvalidKey
	}

	// Overlay local suspension state for principals we track.
	if local, lookupErr := s.store.GetPrincipal(ctx, p.ID); lookupErr == nil {
		p.Suspended = local.Suspended
	}
	if p.Suspended {
		s.logger.Warn("suspended principal attempted bearer auth", "principal_id", p.ID)
		return nil, principal.ErrSuspended
	}

	s.logger.Debug("bearer token authenticated", "principal_id", p.ID, "role", p.Role)
	return p, nil
}

// keyAdder is the optional write surface of a principal store.
// The in-memory store implements it; read-only directory mirrors do not.
type keyAdder interface {
	AddKey(*principal.APIKey)
}

// GenerateKeyResult holds the result of key generation.
// CleartextKey is only available here; it is never stored.
type GenerateKeyResult struct {
	CleartextKey string
	KeyHash      string
}

// GenerateKey creates a new API key bound to the given principal.
// The cleartext key is returned exactly once and never stored; the store
// keeps only the Argon2id hash.
func (s *IdentityService) GenerateKey(ctx context.Context, principalID, name string, expiresAt *time.Time) (*GenerateKeyResult, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principal_id is required")
	}
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if _, err := s.store.GetPrincipal(ctx, principalID); err != nil {
		return nil, err
	}

	adder, ok := s.store.(keyAdder)
	if !ok {
		return nil, fmt.Errorf("principal store does not accept new keys")
	}

	// Generate a cryptographically random 32-byte key.
	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	cleartextKey := "sark_" + hex.EncodeToString(rawKey)

	hash, err := principal.HashKeyArgon2id(cleartextKey)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	adder.AddKey(&principal.APIKey{
		Key:         hash,
		PrincipalID: principalID,
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	})

	s.logger.Info("api key generated", "principal_id", principalID, "name", name)
	return &GenerateKeyResult{CleartextKey: cleartextKey, KeyHash: hash}, nil
}
