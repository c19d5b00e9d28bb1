package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/validation"
)

// ArgumentValidator validates invocation arguments against a capability
// input schema. This interface is satisfied by validation.SchemaValidator.
type ArgumentValidator interface {
	ValidateArgs(capabilityID string, schema map[string]interface{}, args map[string]interface{}) error
}

// ValidationInterceptor rejects invocations whose arguments do not match
// the capability's input schema. Capabilities without a schema accept
// any arguments.
//
// Position in chain: first after Audit, before RateLimit.
type ValidationInterceptor struct {
	validator ArgumentValidator
	next      Interceptor
	logger    *slog.Logger
}

// NewValidationInterceptor creates a new ValidationInterceptor.
func NewValidationInterceptor(validator ArgumentValidator, next Interceptor, logger *slog.Logger) *ValidationInterceptor {
	return &ValidationInterceptor{
		validator: validator,
		next:      next,
		logger:    logger,
	}
}

// Intercept validates arguments and passes the request on. Schema
// mismatches reject the request; a schema that fails to decode or
// compile is a registry defect and is skipped with a warning, since
// blocking every call on it would take the capability offline.
func (v *ValidationInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	if req.Capability == nil || len(req.Capability.InputSchema) == 0 {
		return v.next.Intercept(ctx, req)
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(req.Capability.InputSchema, &schema); err != nil {
		v.logger.Warn("capability input schema does not decode, skipping validation",
			"capability_id", req.Capability.ID,
			"error", err,
		)
		return v.next.Intercept(ctx, req)
	}

	if err := v.validator.ValidateArgs(req.Capability.ID, schema, req.Arguments()); err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			v.logger.Info("argument validation rejected request",
				"capability_id", req.Capability.ID,
				"error", verr.Message,
			)
			return nil, &ValidationError{
				CapabilityID: req.Capability.ID,
				Issues:       []string{verr.Message},
			}
		}
		v.logger.Warn("capability input schema does not compile, skipping validation",
			"capability_id", req.Capability.ID,
			"error", err,
		)
	}

	return v.next.Intercept(ctx, req)
}

// Compile-time check that ValidationInterceptor implements Interceptor.
var _ Interceptor = (*ValidationInterceptor)(nil)
