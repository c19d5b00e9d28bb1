package policy

import "context"

// Evaluator is the narrow interface to the external policy engine. The
// decision layer is indifferent to the policy language behind it.
//
// Implementations: CEL (cel package), static allow/deny for tests.
type Evaluator interface {
	// Evaluate runs the policies mounted at path against the input.
	// An error means the engine itself failed; callers must map it to
	// a deny with ReasonEngineError rather than failing open.
	Evaluate(ctx context.Context, path string, input *AuthorizationInput) (*Decision, error)
}
