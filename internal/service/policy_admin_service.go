package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/adapter/outbound/cel"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/policy"
)

// ErrBundleNotFound is returned when no loaded bundle has the given name.
var ErrBundleNotFound = errors.New("policy bundle not found")

// ErrDefaultBundleDelete is returned when attempting to delete the
// default bundle.
var ErrDefaultBundleDelete = errors.New("cannot delete the default policy bundle")

// ErrVersionNotFound is returned when a policy name has no change entry
// at the requested version.
var ErrVersionNotFound = errors.New("policy version not found")

// DefaultBundleName is the bundle seeded on first boot.
const DefaultBundleName = "default"

// PolicyAdminService manages rule bundles for the admin surface:
// validated writes and deletes through the evaluator, change-log history
// and diff retrieval, and decision-cache invalidation after every
// mutation so cached verdicts never outlive the rules that made them.
type PolicyAdminService struct {
	evaluator *cel.Evaluator
	changeLog *policy.ChangeLog
	policies  *PolicyService
	recorder  EventRecorder // optional, may be nil
	logger    *slog.Logger
}

// PolicyAdminOption configures PolicyAdminService.
type PolicyAdminOption func(*PolicyAdminService)

// WithPolicyAuditRecorder wires the audit sink for bundle mutations.
func WithPolicyAuditRecorder(recorder EventRecorder) PolicyAdminOption {
	return func(s *PolicyAdminService) {
		s.recorder = recorder
	}
}

// NewPolicyAdminService creates a PolicyAdminService over the evaluator
// that loads the bundles, the change log the evaluator records into, and
// the decision-caching policy service to invalidate on mutation.
func NewPolicyAdminService(
	evaluator *cel.Evaluator,
	changeLog *policy.ChangeLog,
	policies *PolicyService,
	logger *slog.Logger,
	opts ...PolicyAdminOption,
) *PolicyAdminService {
	s := &PolicyAdminService{
		evaluator: evaluator,
		changeLog: changeLog,
		policies:  policies,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bundles returns the currently loaded bundles, sorted by name.
func (s *PolicyAdminService) Bundles() []cel.BundleInfo {
	return s.evaluator.Bundles()
}

// BundleDetail is one loaded bundle plus its current source and version
// from the change log.
type BundleDetail struct {
	cel.BundleInfo
	Version int    `json:"version"`
	Content string `json:"content"`
}

// Bundle returns a loaded bundle by name with its current content.
// Returns ErrBundleNotFound when no loaded bundle has that name.
func (s *PolicyAdminService) Bundle(ctx context.Context, name string) (*BundleDetail, error) {
	for _, info := range s.evaluator.Bundles() {
		if info.Name != name {
			continue
		}
		detail := &BundleDetail{BundleInfo: info}
		entries, err := s.changeLog.History(ctx, name, 1)
		if err != nil {
			return nil, fmt.Errorf("load bundle history: %w", err)
		}
		if len(entries) > 0 {
			detail.Version = entries[0].Version
			detail.Content = entries[0].Content
		}
		return detail, nil
	}
	return nil, ErrBundleNotFound
}

// Validate checks that raw YAML parses as a bundle whose every condition
// compiles, without persisting anything. The admin dry-run endpoint.
func (s *PolicyAdminService) Validate(raw []byte) error {
	return s.evaluator.ValidateBundle(raw)
}

// Write validates raw and persists it as bundle file <name>.yaml,
// reloading the rule set and dropping every cached decision. The change
// log attributes the edit to author.
func (s *PolicyAdminService) Write(ctx context.Context, name, author string, raw []byte) error {
	if err := s.evaluator.WriteBundle(ctx, name, author, raw); err != nil {
		return err
	}
	s.policies.InvalidateCache()

	s.logger.Info("policy bundle written", "bundle", name, "author", author)
	s.recordChange(ctx, name, author, "write")
	return nil
}

// Delete removes bundle file <name>.yaml, reloading the rule set and
// dropping every cached decision. The default bundle cannot be deleted;
// neither can the last remaining bundle (the evaluator refuses it).
func (s *PolicyAdminService) Delete(ctx context.Context, name, author string) error {
	if name == DefaultBundleName {
		return ErrDefaultBundleDelete
	}
	if err := s.evaluator.DeleteBundle(ctx, name, author); err != nil {
		return err
	}
	s.policies.InvalidateCache()

	s.logger.Info("policy bundle deleted", "bundle", name, "author", author)
	s.recordChange(ctx, name, author, "delete")
	return nil
}

// Reload re-reads every bundle from disk and drops the decision cache.
// The admin escape hatch for out-of-band edits in production, where file
// watching is off.
func (s *PolicyAdminService) Reload(ctx context.Context) error {
	if err := s.evaluator.Reload(ctx); err != nil {
		return err
	}
	s.policies.InvalidateCache()
	return nil
}

// History returns a bundle's change entries, newest first, up to limit.
// A limit of 0 means no limit.
func (s *PolicyAdminService) History(ctx context.Context, name string, limit int) ([]*policy.ChangeEntry, error) {
	return s.changeLog.History(ctx, name, limit)
}

// Diff returns the change entry at an exact version, whose Diff field
// holds the unified diff against the previous version.
// Returns ErrVersionNotFound when the version does not exist.
func (s *PolicyAdminService) Diff(ctx context.Context, name string, version int) (*policy.ChangeEntry, error) {
	entries, err := s.changeLog.History(ctx, name, 0)
	if err != nil {
		return nil, fmt.Errorf("load bundle history: %w", err)
	}
	for _, entry := range entries {
		if entry.Version == version {
			return entry, nil
		}
	}
	return nil, ErrVersionNotFound
}

// CacheStats exposes the decision-cache counters for the admin surface.
func (s *PolicyAdminService) CacheStats() DecisionCacheStats {
	return s.policies.CacheStats()
}

// recordChange audits one bundle mutation. The change log holds the
// content and diff; the audit trail records who changed what and when.
func (s *PolicyAdminService) recordChange(ctx context.Context, name, author, action string) {
	if s.recorder == nil {
		return
	}

	details := map[string]interface{}{
		"bundle": name,
		"action": action,
	}
	if latest, err := s.changeLog.History(ctx, name, 1); err == nil && len(latest) > 0 {
		details["version"] = latest[0].Version
		details["content_hash"] = latest[0].ContentHash
	}

	s.recorder.Record(audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     audit.EventTypePolicyChange,
		Severity:      audit.SeverityMedium,
		Decision:      audit.DecisionAllow,
		PrincipalID:   author,
		Reason:        fmt.Sprintf("policy bundle %s: %s", name, action),
		Details:       details,
		RetentionDays: audit.RetentionFor(audit.EventTypePolicyChange),
	})
}
