package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
)

// ErrAdapterNotRegistered is returned when no adapter serves a protocol.
var ErrAdapterNotRegistered = errors.New("no adapter registered for protocol")

// healthProbeTimeout bounds each per-resource health check.
const healthProbeTimeout = 5 * time.Second

// RegistryService owns the protocol adapter table and the resource and
// capability inventory. Registration drives adapter discovery, sensitivity
// classification, and persistence; Resolve is the capability → resource →
// adapter chain every invocation walks before dispatch.
type RegistryService struct {
	store    resource.Store
	recorder EventRecorder // optional, may be nil
	logger   *slog.Logger

	mu       sync.RWMutex
	adapters map[resource.Protocol]protocol.Adapter
}

// RegistryOption configures RegistryService.
type RegistryOption func(*RegistryService)

// WithRegistryAuditRecorder wires the audit sink for lifecycle events.
func WithRegistryAuditRecorder(recorder EventRecorder) RegistryOption {
	return func(s *RegistryService) {
		s.recorder = recorder
	}
}

// NewRegistryService creates a RegistryService over the given store.
func NewRegistryService(store resource.Store, logger *slog.Logger, opts ...RegistryOption) *RegistryService {
	s := &RegistryService{
		store:    store,
		logger:   logger,
		adapters: make(map[resource.Protocol]protocol.Adapter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterAdapter installs an adapter under its protocol tag.
// One adapter per protocol; a second registration is rejected.
func (s *RegistryService) RegisterAdapter(adapter protocol.Adapter) error {
	proto := resource.Protocol(adapter.Name())
	if !proto.IsValid() {
		return fmt.Errorf("unknown protocol tag %q", adapter.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.adapters[proto]; exists {
		return fmt.Errorf("adapter for protocol %q already registered", proto)
	}
	s.adapters[proto] = adapter

	s.logger.Info("protocol adapter registered",
		"protocol", string(proto),
		"version", adapter.Version(),
		"streaming", adapter.SupportsStreaming(),
	)
	return nil
}

// Adapter returns the adapter serving a protocol.
func (s *RegistryService) Adapter(proto resource.Protocol) (protocol.Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adapter, ok := s.adapters[proto]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotRegistered, proto)
	}
	return adapter, nil
}

// AdapterProtocols returns the registered protocol tags, sorted.
func (s *RegistryService) AdapterProtocols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.adapters))
	for proto := range s.adapters {
		tags = append(tags, string(proto))
	}
	sort.Strings(tags)
	return tags
}

// RegisterResource discovers a target through its protocol adapter and
// persists the resources and classified capabilities it exposes. The
// adapter's OnRegister hook runs for each stored resource. A resource
// whose capability listing fails is rolled back.
func (s *RegistryService) RegisterResource(ctx context.Context, proto resource.Protocol, cfg protocol.DiscoveryConfig) ([]resource.Resource, error) {
	adapter, err := s.Adapter(proto)
	if err != nil {
		return nil, err
	}

	discovered, err := adapter.DiscoverResources(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("discover %q: %w", cfg.Name, err)
	}
	if len(discovered) == 0 {
		return nil, fmt.Errorf("discovery of %q returned no resources", cfg.Name)
	}

	registered := make([]resource.Resource, 0, len(discovered))
	for i := range discovered {
		res := discovered[i]
		if err := res.Validate(); err != nil {
			return registered, fmt.Errorf("discovered resource %q invalid: %w", res.Name, err)
		}
		if err := s.store.PutResource(ctx, &res); err != nil {
			return registered, fmt.Errorf("store resource %q: %w", res.Name, err)
		}

		caps, err := s.registerCapabilities(ctx, adapter, &res)
		if err != nil {
			if delErr := s.store.DeleteResource(ctx, res.ID); delErr != nil {
				s.logger.Error("rollback of failed registration left a partial resource",
					"resource_id", res.ID, "error", delErr)
			}
			return registered, err
		}

		if err := adapter.OnRegister(ctx, &res); err != nil {
			if delErr := s.store.DeleteResource(ctx, res.ID); delErr != nil {
				s.logger.Error("rollback of failed registration left a partial resource",
					"resource_id", res.ID, "error", delErr)
			}
			return registered, fmt.Errorf("adapter rejected resource %q: %w", res.Name, err)
		}

		s.logger.Info("resource registered",
			"resource_id", res.ID,
			"name", res.Name,
			"protocol", string(res.Protocol),
			"sensitivity", string(res.Sensitivity),
			"capabilities", len(caps),
		)
		s.auditLifecycle(res, "register", len(caps))
		registered = append(registered, res)
	}
	return registered, nil
}

// registerCapabilities lists, classifies, and stores a resource's
// capabilities, then lifts the highest capability sensitivity onto the
// resource record.
func (s *RegistryService) registerCapabilities(ctx context.Context, adapter protocol.Adapter, res *resource.Resource) ([]resource.Capability, error) {
	caps, err := adapter.Capabilities(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("list capabilities of %q: %w", res.Name, err)
	}
	caps = resource.ClassifyCapabilities(caps)

	highest := res.Sensitivity
	for i := range caps {
		caps[i].ResourceID = res.ID
		if err := s.store.PutCapability(ctx, &caps[i]); err != nil {
			return nil, fmt.Errorf("store capability %q: %w", caps[i].Name, err)
		}
		highest = resource.MaxSensitivity(highest, caps[i].Sensitivity)
	}

	if highest != res.Sensitivity {
		res.Sensitivity = highest
		if err := s.store.PutResource(ctx, res); err != nil {
			return nil, fmt.Errorf("update resource sensitivity: %w", err)
		}
	}
	return caps, nil
}

// RefreshResource re-runs capability discovery for a registered resource.
// Capabilities are matched by name: survivors keep their id, sensitivity,
// and override history; newcomers are classified fresh.
func (s *RegistryService) RefreshResource(ctx context.Context, resourceID string) ([]resource.Capability, error) {
	res, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.Adapter(res.Protocol)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListCapabilities(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]resource.Capability, len(existing))
	for _, c := range existing {
		byName[c.Name] = c
	}

	caps, err := adapter.Capabilities(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("refresh capabilities of %q: %w", res.Name, err)
	}
	caps = resource.ClassifyCapabilities(caps)

	highest := resource.SensitivityNone
	for i := range caps {
		caps[i].ResourceID = res.ID
		if prior, ok := byName[caps[i].Name]; ok {
			caps[i].ID = prior.ID
			caps[i].Sensitivity = prior.Sensitivity
			caps[i].CreatedAt = prior.CreatedAt
		}
		if err := s.store.PutCapability(ctx, &caps[i]); err != nil {
			return nil, fmt.Errorf("store capability %q: %w", caps[i].Name, err)
		}
		highest = resource.MaxSensitivity(highest, caps[i].Sensitivity)
	}

	res.Sensitivity = highest
	res.UpdatedAt = time.Now().UTC()
	if err := s.store.PutResource(ctx, res); err != nil {
		return nil, fmt.Errorf("update resource: %w", err)
	}

	s.logger.Info("resource refreshed", "resource_id", res.ID, "capabilities", len(caps))
	s.auditLifecycle(*res, "refresh", len(caps))
	return caps, nil
}

// DeregisterResource removes a resource and its capabilities. The
// adapter's OnUnregister hook runs first so per-resource state (stdio
// children included) is released; a failing hook is logged, not fatal,
// because the record must go regardless.
func (s *RegistryService) DeregisterResource(ctx context.Context, resourceID string) error {
	res, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}

	if adapter, aerr := s.Adapter(res.Protocol); aerr == nil {
		if err := adapter.OnUnregister(ctx, res); err != nil {
			s.logger.Error("adapter unregister hook failed",
				"resource_id", res.ID, "protocol", string(res.Protocol), "error", err)
		}
	}

	if err := s.store.DeleteResource(ctx, resourceID); err != nil {
		return err
	}

	s.logger.Info("resource deregistered", "resource_id", res.ID, "name", res.Name)
	s.auditLifecycle(*res, "deregister", 0)
	return nil
}

// ListResources returns every registered resource.
func (s *RegistryService) ListResources(ctx context.Context) ([]resource.Resource, error) {
	return s.store.ListResources(ctx)
}

// GetResource returns one resource by id.
func (s *RegistryService) GetResource(ctx context.Context, id string) (*resource.Resource, error) {
	return s.store.GetResource(ctx, id)
}

// ListCapabilities returns the capabilities of one resource.
func (s *RegistryService) ListCapabilities(ctx context.Context, resourceID string) ([]resource.Capability, error) {
	if _, err := s.store.GetResource(ctx, resourceID); err != nil {
		return nil, err
	}
	return s.store.ListCapabilities(ctx, resourceID)
}

// GetCapability returns one capability by id.
func (s *RegistryService) GetCapability(ctx context.Context, id string) (*resource.Capability, error) {
	return s.store.GetCapability(ctx, id)
}

// Resolve walks capability id → owning resource → protocol adapter.
// Every invocation resolves through here before dispatch.
func (s *RegistryService) Resolve(ctx context.Context, capabilityID string) (*resource.Capability, *resource.Resource, protocol.Adapter, error) {
	capability, err := s.store.GetCapability(ctx, capabilityID)
	if err != nil {
		return nil, nil, nil, err
	}
	res, err := s.store.GetResource(ctx, capability.ResourceID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("capability %s references missing resource %s: %w",
			capabilityID, capability.ResourceID, err)
	}
	adapter, err := s.Adapter(res.Protocol)
	if err != nil {
		return nil, nil, nil, err
	}
	return capability, res, adapter, nil
}

// OverrideSensitivity applies a manual sensitivity change to a capability
// and appends it to the override history.
func (s *RegistryService) OverrideSensitivity(ctx context.Context, capabilityID string, level resource.Sensitivity, author, reason string) error {
	if !level.IsValid() {
		return fmt.Errorf("unknown sensitivity level %q", level)
	}
	capability, err := s.store.GetCapability(ctx, capabilityID)
	if err != nil {
		return err
	}

	change := resource.SensitivityChange{
		CapabilityID: capabilityID,
		Old:          capability.Sensitivity,
		New:          level,
		Author:       author,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.store.OverrideSensitivity(ctx, change); err != nil {
		return err
	}

	s.logger.Info("capability sensitivity overridden",
		"capability_id", capabilityID,
		"old", string(change.Old),
		"new", string(change.New),
		"author", author,
	)
	return nil
}

// SensitivityHistory returns the override history for a capability.
func (s *RegistryService) SensitivityHistory(ctx context.Context, capabilityID string) ([]resource.SensitivityChange, error) {
	return s.store.SensitivityHistory(ctx, capabilityID)
}

// ResourceHealth is the outcome of one resource probe.
type ResourceHealth struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
	Protocol   string `json:"protocol"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

// HealthCheck probes every registered resource through its adapter.
// Probes are bounded individually so one hung target cannot stall the
// whole sweep.
func (s *RegistryService) HealthCheck(ctx context.Context) ([]ResourceHealth, error) {
	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ResourceHealth, 0, len(resources))
	for i := range resources {
		res := resources[i]
		health := ResourceHealth{
			ResourceID: res.ID,
			Name:       res.Name,
			Protocol:   string(res.Protocol),
			Healthy:    true,
		}

		adapter, aerr := s.Adapter(res.Protocol)
		if aerr != nil {
			health.Healthy = false
			health.Error = aerr.Error()
		} else {
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			if herr := adapter.Health(probeCtx, &res); herr != nil {
				health.Healthy = false
				health.Error = herr.Error()
			}
			cancel()
		}
		results = append(results, health)
	}
	return results, nil
}

// auditLifecycle records a resource_lifecycle event.
func (s *RegistryService) auditLifecycle(res resource.Resource, action string, capabilities int) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(audit.Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		EventType:  audit.EventTypeResourceLifecycle,
		Severity:   audit.SeverityLow,
		ResourceID: res.ID,
		Reason:     fmt.Sprintf("resource %s %sed", res.Name, action),
		Details: map[string]interface{}{
			"action":       action,
			"name":         res.Name,
			"protocol":     string(res.Protocol),
			"endpoint":     res.Endpoint,
			"sensitivity":  string(res.Sensitivity),
			"capabilities": capabilities,
		},
		RetentionDays: audit.RetentionFor(audit.EventTypeResourceLifecycle),
	})
}
