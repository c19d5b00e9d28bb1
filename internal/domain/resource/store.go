package resource

import (
	"context"
	"errors"
)

// Sentinel errors for resource store operations.
var (
	// ErrResourceNotFound is returned when a resource with the given ID does not exist.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrCapabilityNotFound is returned when a capability with the given ID does not exist.
	ErrCapabilityNotFound = errors.New("capability not found")
	// ErrDuplicateEndpoint is returned when a resource endpoint is already registered.
	ErrDuplicateEndpoint = errors.New("duplicate resource endpoint")
)

// Store provides CRUD operations for resources, capabilities, and the
// sensitivity override history.
// This is a port (interface) in the hexagonal architecture.
// Implementations: in-memory (memory package).
type Store interface {
	// ListResources returns all registered resources.
	ListResources(ctx context.Context) ([]Resource, error)
	// GetResource returns a single resource by ID.
	// Returns ErrResourceNotFound if the resource does not exist.
	GetResource(ctx context.Context, id string) (*Resource, error)
	// PutResource stores a resource, replacing any record with the same ID.
	// Returns ErrDuplicateEndpoint when another resource owns the endpoint.
	PutResource(ctx context.Context, r *Resource) error
	// DeleteResource removes a resource and its capabilities.
	// Returns ErrResourceNotFound if the resource does not exist.
	DeleteResource(ctx context.Context, id string) error

	// ListCapabilities returns the capabilities of one resource.
	ListCapabilities(ctx context.Context, resourceID string) ([]Capability, error)
	// GetCapability returns a single capability by ID.
	// Returns ErrCapabilityNotFound if the capability does not exist.
	GetCapability(ctx context.Context, id string) (*Capability, error)
	// PutCapability stores a capability, replacing any record with the same ID.
	PutCapability(ctx context.Context, c *Capability) error

	// OverrideSensitivity applies a manual sensitivity change and appends it
	// to the capability's history. The history entry is never lost.
	OverrideSensitivity(ctx context.Context, change SensitivityChange) error
	// SensitivityHistory returns the override history for a capability,
	// oldest first.
	SensitivityHistory(ctx context.Context, capabilityID string) ([]SensitivityChange, error)
}
