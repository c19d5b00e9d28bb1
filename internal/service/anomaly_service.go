package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/anomaly"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/port/outbound"
)

// Suspender flips the suspension flag on a principal. Satisfied by
// principal.Store.
type Suspender interface {
	SetSuspended(ctx context.Context, id string, suspended bool) error
}

// AnomalyConfig tunes the behavioral pipeline.
type AnomalyConfig struct {
	// LookbackDays is the baseline construction window. Default: 30.
	LookbackDays int
	// BaselineMaxAge is how stale a cached baseline may grow before the
	// worker rebuilds it inline. Default: 24h.
	BaselineMaxAge time.Duration
	// RebuildInterval is the period of the background rebuild sweep
	// over known principals. Default: 24h.
	RebuildInterval time.Duration
	// QueueSize bounds the observation buffer. Default: 1024.
	QueueSize int
	// AutoSuspend suspends the principal on a critical alert.
	AutoSuspend bool
	// Router sets the alert escalation thresholds.
	Router anomaly.RouterConfig
}

func (c *AnomalyConfig) withDefaults() {
	if c.LookbackDays <= 0 {
		c.LookbackDays = anomaly.DefaultLookbackDays
	}
	if c.BaselineMaxAge <= 0 {
		c.BaselineMaxAge = 24 * time.Hour
	}
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = 24 * time.Hour
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// AnomalyService runs behavioral detection off the request path. The
// pipeline's anomaly stage hands completed invocations to Observe, which
// never blocks; a background worker records the event, maintains the
// principal's baseline, runs the detection rules, and routes alerts.
// Every failure here is logged and suppressed: detection must never
// affect a request outcome.
type AnomalyService struct {
	store    anomaly.Store
	detector *anomaly.Detector
	recorder EventRecorder // optional, may be nil
	cfg      AnomalyConfig
	logger   *slog.Logger
	now      func() time.Time

	critical  []outbound.Notifier
	warning   []outbound.Notifier
	suspender Suspender // optional, may be nil

	events chan anomaly.Event
	done   chan struct{}
	wg     sync.WaitGroup

	// Principals seen since boot, for the rebuild sweep.
	mu   sync.Mutex
	seen map[string]struct{}

	detections atomic.Int64
	dropped    atomic.Int64
	suspended  atomic.Int64
}

// AnomalyOption configures AnomalyService.
type AnomalyOption func(*AnomalyService)

// WithCriticalNotifiers sets the channels paged on critical alerts.
func WithCriticalNotifiers(notifiers ...outbound.Notifier) AnomalyOption {
	return func(s *AnomalyService) {
		s.critical = notifiers
	}
}

// WithWarningNotifiers sets the channels notified on warning alerts.
func WithWarningNotifiers(notifiers ...outbound.Notifier) AnomalyOption {
	return func(s *AnomalyService) {
		s.warning = notifiers
	}
}

// WithSuspender wires the principal suspension surface used by
// auto-suspend.
func WithSuspender(suspender Suspender) AnomalyOption {
	return func(s *AnomalyService) {
		s.suspender = suspender
	}
}

// WithAuditRecorder wires the audit sink for detection events.
func WithAuditRecorder(recorder EventRecorder) AnomalyOption {
	return func(s *AnomalyService) {
		s.recorder = recorder
	}
}

// WithDetector replaces the default detector.
func WithDetector(detector *anomaly.Detector) AnomalyOption {
	return func(s *AnomalyService) {
		s.detector = detector
	}
}

// WithClock injects the time source. Tests pin it to exercise the
// time-window rules deterministically.
func WithClock(now func() time.Time) AnomalyOption {
	return func(s *AnomalyService) {
		s.now = now
	}
}

// NewAnomalyService creates an AnomalyService over the given event store.
func NewAnomalyService(store anomaly.Store, cfg AnomalyConfig, logger *slog.Logger, opts ...AnomalyOption) *AnomalyService {
	cfg.withDefaults()
	s := &AnomalyService{
		store:    store,
		detector: anomaly.NewDetector(),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		events:   make(chan anomaly.Event, cfg.QueueSize),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the detection worker and the baseline rebuild sweep.
func (s *AnomalyService) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.worker(ctx)
	go s.rebuildLoop(ctx)
}

// Stop drains the observation queue and waits for the workers.
func (s *AnomalyService) Stop() {
	close(s.done)
	close(s.events)
	s.wg.Wait()
}

// Observe accepts one behavioral observation without blocking. A full
// queue drops the observation; detection is best-effort by design.
func (s *AnomalyService) Observe(event anomaly.Event) {
	select {
	case s.events <- event:
	default:
		dropped := s.dropped.Add(1)
		s.logger.Warn("anomaly observation dropped",
			"principal_id", event.PrincipalID,
			"total_drops", dropped,
		)
	}
}

// Detections returns the number of observations that produced anomalies.
func (s *AnomalyService) Detections() int64 {
	return s.detections.Load()
}

// Dropped returns the number of observations shed under pressure.
func (s *AnomalyService) Dropped() int64 {
	return s.dropped.Load()
}

// RebuildBaseline recomputes and stores a principal's baseline from the
// configured lookback window.
func (s *AnomalyService) RebuildBaseline(ctx context.Context, principalID string) (*anomaly.Baseline, error) {
	now := s.now().UTC()
	since := now.AddDate(0, 0, -s.cfg.LookbackDays)
	events, err := s.store.EventsSince(ctx, principalID, since)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", principalID, err)
	}
	baseline := anomaly.BuildBaseline(principalID, events, s.cfg.LookbackDays, now)
	if err := s.store.PutBaseline(ctx, baseline); err != nil {
		return nil, fmt.Errorf("store baseline for %s: %w", principalID, err)
	}
	return baseline, nil
}

// Baseline returns the cached baseline for a principal, building one on
// demand when none exists yet.
func (s *AnomalyService) Baseline(ctx context.Context, principalID string) (*anomaly.Baseline, error) {
	baseline, err := s.store.GetBaseline(ctx, principalID)
	if errors.Is(err, anomaly.ErrBaselineNotFound) {
		return s.RebuildBaseline(ctx, principalID)
	}
	return baseline, err
}

// worker consumes observations until the queue closes or ctx ends.
func (s *AnomalyService) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			s.process(ctx, event)
		case <-ctx.Done():
			// Drain what is buffered so late observations still land
			// in the history store.
			for {
				select {
				case event, ok := <-s.events:
					if !ok {
						return
					}
					s.process(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// process runs one observation through recording, baseline maintenance,
// detection, and alert routing.
func (s *AnomalyService) process(ctx context.Context, event anomaly.Event) {
	s.mu.Lock()
	s.seen[event.PrincipalID] = struct{}{}
	s.mu.Unlock()

	// The burst rule wants the events preceding this one, and an inline
	// baseline rebuild must not see the event it is about to judge, so
	// both reads happen before the event is appended.
	recent, err := s.store.EventsSince(ctx, event.PrincipalID, event.Timestamp.Add(-anomaly.DefaultRapidWindow))
	if err != nil {
		s.logger.Error("anomaly recent-window lookup failed", "principal_id", event.PrincipalID, "error", err)
		recent = nil
	}
	baseline, baselineErr := s.freshBaseline(ctx, event.PrincipalID)

	if err := s.store.RecordEvent(ctx, event); err != nil {
		s.logger.Error("anomaly event record failed", "principal_id", event.PrincipalID, "error", err)
	}

	if baselineErr != nil {
		s.logger.Error("baseline unavailable, skipping detection", "principal_id", event.PrincipalID, "error", baselineErr)
		return
	}

	anomalies := s.detector.Detect(baseline, event, recent)
	if len(anomalies) == 0 {
		return
	}
	s.detections.Add(1)

	level := anomaly.ClassifyAlert(anomalies, s.cfg.Router)
	s.logger.Info("behavioral anomalies detected",
		"principal_id", event.PrincipalID,
		"capability_id", event.CapabilityID,
		"count", len(anomalies),
		"alert_level", string(level),
	)

	if s.recorder != nil {
		s.recorder.Record(s.buildEvent(event, anomalies, level))
	}
	s.dispatch(ctx, event, anomalies, level)
}

// freshBaseline returns the cached baseline, rebuilding when missing or
// older than the configured age.
func (s *AnomalyService) freshBaseline(ctx context.Context, principalID string) (*anomaly.Baseline, error) {
	baseline, err := s.store.GetBaseline(ctx, principalID)
	switch {
	case errors.Is(err, anomaly.ErrBaselineNotFound):
		return s.RebuildBaseline(ctx, principalID)
	case err != nil:
		return nil, err
	case s.now().UTC().Sub(baseline.ComputedAt) > s.cfg.BaselineMaxAge:
		return s.RebuildBaseline(ctx, principalID)
	default:
		return baseline, nil
	}
}

// buildEvent shapes the audit record for a detection.
func (s *AnomalyService) buildEvent(event anomaly.Event, anomalies []anomaly.Anomaly, level anomaly.AlertLevel) audit.Event {
	kinds := make([]string, 0, len(anomalies))
	details := make([]map[string]interface{}, 0, len(anomalies))
	for _, a := range anomalies {
		kinds = append(kinds, string(a.Kind))
		details = append(details, map[string]interface{}{
			"kind":        string(a.Kind),
			"severity":    string(a.Severity),
			"description": a.Description,
			"baseline":    a.Baseline,
			"observed":    a.Observed,
			"confidence":  a.Confidence,
		})
	}

	ev := audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    event.Timestamp.UTC(),
		EventType:    audit.EventTypeAnomalyDetected,
		Severity:     alertSeverity(level),
		PrincipalID:  event.PrincipalID,
		CapabilityID: event.CapabilityID,
		Reason:       fmt.Sprintf("%d behavioral anomalies, alert level %s", len(anomalies), level),
		Details: map[string]interface{}{
			"alert_level": string(level),
			"kinds":       kinds,
			"anomalies":   details,
		},
	}
	ev.RetentionDays = audit.RetentionFor(ev.EventType)
	return ev
}

// alertSeverity maps alert levels onto audit severities. Critical and
// warning alerts forward to the SIEM; log-level detections stay local.
func alertSeverity(level anomaly.AlertLevel) audit.Severity {
	switch level {
	case anomaly.AlertCritical:
		return audit.SeverityCritical
	case anomaly.AlertWarning:
		return audit.SeverityHigh
	default:
		return audit.SeverityMedium
	}
}

// dispatch routes the alert to the channels for its level and applies
// auto-suspend on criticals. Channel failures are logged and dropped.
func (s *AnomalyService) dispatch(ctx context.Context, event anomaly.Event, anomalies []anomaly.Anomaly, level anomaly.AlertLevel) {
	var channels []outbound.Notifier
	switch level {
	case anomaly.AlertCritical:
		channels = s.critical
	case anomaly.AlertWarning:
		channels = s.warning
	default:
		return
	}

	notification := s.buildNotification(event, anomalies, level)
	for _, ch := range channels {
		if err := ch.Notify(ctx, notification); err != nil {
			s.logger.Error("anomaly alert dispatch failed",
				"channel", ch.Name(),
				"principal_id", event.PrincipalID,
				"error", err,
			)
		}
	}

	if level == anomaly.AlertCritical && s.cfg.AutoSuspend && s.suspender != nil {
		if err := s.suspender.SetSuspended(ctx, event.PrincipalID, true); err != nil {
			s.logger.Error("auto-suspend failed",
				"principal_id", event.PrincipalID,
				"error", err,
			)
		} else {
			s.suspended.Add(1)
			s.logger.Warn("principal auto-suspended on critical anomaly alert",
				"principal_id", event.PrincipalID,
			)
		}
	}
}

func (s *AnomalyService) buildNotification(event anomaly.Event, anomalies []anomaly.Anomaly, level anomaly.AlertLevel) outbound.Notification {
	body := fmt.Sprintf("%d behavioral anomalies for principal %s on capability %s:\n", len(anomalies), event.PrincipalID, event.CapabilityID)
	for _, a := range anomalies {
		body += fmt.Sprintf("- [%s] %s: %s (confidence %.2f)\n", a.Severity, a.Kind, a.Description, a.Confidence)
	}
	return outbound.Notification{
		Title:       fmt.Sprintf("Behavioral anomaly: %s", event.PrincipalID),
		Body:        body,
		Severity:    string(level),
		PrincipalID: event.PrincipalID,
		Timestamp:   event.Timestamp,
		Details: map[string]interface{}{
			"capability_id": event.CapabilityID,
			"count":         len(anomalies),
		},
	}
}

// rebuildLoop refreshes baselines for every principal seen since boot.
func (s *AnomalyService) rebuildLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.seen))
			for id := range s.seen {
				ids = append(ids, id)
			}
			s.mu.Unlock()

			for _, id := range ids {
				if _, err := s.RebuildBaseline(ctx, id); err != nil {
					s.logger.Error("scheduled baseline rebuild failed", "principal_id", id, "error", err)
				}
			}
			if len(ids) > 0 {
				s.logger.Info("baseline rebuild sweep completed", "principals", len(ids))
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
