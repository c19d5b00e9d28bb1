package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sark-labs/sark/internal/domain/resource"
)

// ResourceStore implements resource.Store with in-memory maps.
// Thread-safe for concurrent access via sync.RWMutex.
// Returns deep copies to prevent external mutation of stored data.
type ResourceStore struct {
	resources    map[string]*resource.Resource   // resource ID -> Resource
	capabilities map[string]*resource.Capability // capability ID -> Capability
	history      map[string][]resource.SensitivityChange
	mu           sync.RWMutex
}

// NewResourceStore creates a new in-memory resource store.
func NewResourceStore() *ResourceStore {
	return &ResourceStore{
		resources:    make(map[string]*resource.Resource),
		capabilities: make(map[string]*resource.Capability),
		history:      make(map[string][]resource.SensitivityChange),
	}
}

// ListResources returns all registered resources sorted by ID.
func (s *ResourceStore) ListResources(ctx context.Context) ([]resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]resource.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		result = append(result, *copyResource(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetResource returns a single resource by ID as a deep copy.
// Returns resource.ErrResourceNotFound if the resource does not exist.
func (s *ResourceStore) GetResource(ctx context.Context, id string) (*resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, resource.ErrResourceNotFound
	}
	return copyResource(r), nil
}

// PutResource stores a resource, replacing any record with the same ID.
// Returns resource.ErrDuplicateEndpoint when another resource owns the endpoint.
func (s *ResourceStore) PutResource(ctx context.Context, r *resource.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.resources {
		if id != r.ID && existing.Endpoint == r.Endpoint && existing.Protocol == r.Protocol {
			return resource.ErrDuplicateEndpoint
		}
	}
	s.resources[r.ID] = copyResource(r)
	return nil
}

// DeleteResource removes a resource and its capabilities.
// Returns resource.ErrResourceNotFound if the resource does not exist.
func (s *ResourceStore) DeleteResource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[id]; !ok {
		return resource.ErrResourceNotFound
	}
	delete(s.resources, id)
	for capID, c := range s.capabilities {
		if c.ResourceID == id {
			delete(s.capabilities, capID)
		}
	}
	return nil
}

// ListCapabilities returns the capabilities of one resource sorted by name.
func (s *ResourceStore) ListCapabilities(ctx context.Context, resourceID string) ([]resource.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []resource.Capability
	for _, c := range s.capabilities {
		if c.ResourceID == resourceID {
			result = append(result, *copyCapability(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetCapability returns a single capability by ID as a deep copy.
// Returns resource.ErrCapabilityNotFound if the capability does not exist.
func (s *ResourceStore) GetCapability(ctx context.Context, id string) (*resource.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.capabilities[id]
	if !ok {
		return nil, resource.ErrCapabilityNotFound
	}
	return copyCapability(c), nil
}

// PutCapability stores a capability, replacing any record with the same ID.
func (s *ResourceStore) PutCapability(ctx context.Context, c *resource.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capabilities[c.ID] = copyCapability(c)
	return nil
}

// OverrideSensitivity applies a manual sensitivity change and appends it
// to the capability's history.
func (s *ResourceStore) OverrideSensitivity(ctx context.Context, change resource.SensitivityChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.capabilities[change.CapabilityID]
	if !ok {
		return resource.ErrCapabilityNotFound
	}
	c.Sensitivity = change.New
	s.history[change.CapabilityID] = append(s.history[change.CapabilityID], change)
	return nil
}

// SensitivityHistory returns the override history for a capability, oldest first.
func (s *ResourceStore) SensitivityHistory(ctx context.Context, capabilityID string) ([]resource.SensitivityChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[capabilityID]
	result := make([]resource.SensitivityChange, len(entries))
	copy(result, entries)
	return result, nil
}

// copyResource creates a deep copy of a Resource to prevent mutation.
func copyResource(r *resource.Resource) *resource.Resource {
	c := &resource.Resource{
		ID:          r.ID,
		Name:        r.Name,
		Protocol:    r.Protocol,
		Endpoint:    r.Endpoint,
		Sensitivity: r.Sensitivity,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// copyCapability creates a deep copy of a Capability to prevent mutation.
func copyCapability(c *resource.Capability) *resource.Capability {
	cc := *c
	if c.InputSchema != nil {
		cc.InputSchema = append([]byte(nil), c.InputSchema...)
	}
	if c.OutputSchema != nil {
		cc.OutputSchema = append([]byte(nil), c.OutputSchema...)
	}
	return &cc
}

// Compile-time interface verification.
var _ resource.Store = (*ResourceStore)(nil)
