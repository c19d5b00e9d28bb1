package outbound

import (
	"context"

	"github.com/sark-labs/sark/internal/domain/principal"
)

// TokenVerifier validates a bearer token and extracts the principal it
// asserts. Implementations check signature, issuer, and expiry; the
// identity service applies local state such as suspension afterwards.
//
// This is a port (interface) in the hexagonal architecture.
// Implementations: HMAC-signed JWT (adapter/outbound/identity).
type TokenVerifier interface {
	// Verify parses and validates the token, returning the asserted
	// principal. Returns an error for any signature, claim, or expiry
	// failure; the error is safe to log but not to return to clients.
	Verify(ctx context.Context, token string) (*principal.Principal, error)
}
