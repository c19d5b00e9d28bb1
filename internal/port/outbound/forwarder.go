// Package outbound defines the outbound port interfaces for external
// systems the gateway pushes to: SIEM platforms and alert channels.
// Persistence and evaluation ports live with their domain packages.
package outbound

import (
	"context"

	"github.com/sark-labs/sark/internal/domain/audit"
)

// Forwarder ships audit events to one SIEM platform.
// Implementations: Splunk HEC, Datadog (siem package).
type Forwarder interface {
	// Name identifies the platform in logs and health output.
	Name() string

	// Forward delivers a batch. An error means the whole batch failed
	// and will be retried; partial delivery must be treated as failure.
	Forward(ctx context.Context, events []audit.Event) error
}
