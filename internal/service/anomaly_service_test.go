package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sark-labs/sark/internal/adapter/outbound/memory"
	"github.com/sark-labs/sark/internal/domain/anomaly"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/port/outbound"
)

type stubNotifier struct {
	name string
	fail bool

	mu    sync.Mutex
	notes []outbound.Notification
}

func (n *stubNotifier) Name() string { return n.name }

func (n *stubNotifier) Notify(_ context.Context, note outbound.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("channel unreachable")
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type stubSuspender struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubSuspender) SetSuspended(_ context.Context, id string, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if suspended {
		s.ids = append(s.ids, id)
	}
	return nil
}

func (s *stubSuspender) suspendedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *captureRecorder) Record(event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *captureRecorder) recorded() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// steadyBaseline returns a baseline that considers the given event
// completely ordinary, so individual tests can violate exactly the
// dimensions they exercise.
func steadyBaseline(principalID string, at time.Time) *anomaly.Baseline {
	return &anomaly.Baseline{
		PrincipalID:        principalID,
		LookbackDays:       30,
		EventCount:         500,
		CommonCapabilities: []string{"crm.search_customers"},
		AvgCallsPerDay:     20,
		MaxCallsPerDay:     60,
		TypicalHours:       []int{at.Hour()},
		TypicalDays:        []time.Weekday{at.Weekday()},
		AvgRecordsPerQuery: 20,
		MaxRecordsPerQuery: 100,
		MaxSensitivity:     resource.SensitivityMedium,
		TypicalSensitivity: resource.SensitivityLow,
		TypicalLocations:   []string{"us-east"},
		ComputedAt:         at,
	}
}

func steadyEvent(principalID string, at time.Time) anomaly.Event {
	return anomaly.Event{
		PrincipalID:  principalID,
		CapabilityID: "crm.search_customers",
		Timestamp:    at,
		Sensitivity:  resource.SensitivityLow,
		ResultSize:   10,
		Location:     "us-east",
	}
}

func TestAnomalyServiceRoutesCriticalAlert(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	if err := store.PutBaseline(context.Background(), steadyBaseline("alice", now)); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	critical := &stubNotifier{name: "pagerduty"}
	warning := &stubNotifier{name: "slack"}
	suspender := &stubSuspender{}
	recorder := &captureRecorder{}

	svc := NewAnomalyService(store, AnomalyConfig{AutoSuspend: true}, discardLogger(),
		WithCriticalNotifiers(critical),
		WithWarningNotifiers(warning),
		WithSuspender(suspender),
		WithAuditRecorder(recorder),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// Excessive data and sensitivity escalation are both high severity;
	// two highs escalate to critical.
	event := steadyEvent("alice", now)
	event.ResultSize = 5000
	event.Sensitivity = resource.SensitivityCritical
	svc.Observe(event)
	svc.Stop()

	if got := critical.count(); got != 1 {
		t.Fatalf("expected 1 critical notification, got %d", got)
	}
	if got := warning.count(); got != 0 {
		t.Errorf("expected no warning notifications, got %d", got)
	}
	if ids := suspender.suspendedIDs(); len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("expected alice auto-suspended, got %v", ids)
	}

	events := recorder.recorded()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].EventType != audit.EventTypeAnomalyDetected {
		t.Errorf("expected anomaly_detected, got %s", events[0].EventType)
	}
	if events[0].Severity != audit.SeverityCritical {
		t.Errorf("expected critical severity, got %s", events[0].Severity)
	}
	if events[0].PrincipalID != "alice" {
		t.Errorf("expected principal alice, got %s", events[0].PrincipalID)
	}
	if svc.Detections() != 1 {
		t.Errorf("expected 1 detection, got %d", svc.Detections())
	}
}

func TestAnomalyServiceRoutesWarningAlert(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	if err := store.PutBaseline(context.Background(), steadyBaseline("bob", now)); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	critical := &stubNotifier{name: "pagerduty"}
	warning := &stubNotifier{name: "slack"}
	suspender := &stubSuspender{}

	svc := NewAnomalyService(store, AnomalyConfig{AutoSuspend: true}, discardLogger(),
		WithCriticalNotifiers(critical),
		WithWarningNotifiers(warning),
		WithSuspender(suspender),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// A single high severity anomaly warns but does not page.
	event := steadyEvent("bob", now)
	event.Sensitivity = resource.SensitivityCritical
	svc.Observe(event)
	svc.Stop()

	if got := warning.count(); got != 1 {
		t.Fatalf("expected 1 warning notification, got %d", got)
	}
	if got := critical.count(); got != 0 {
		t.Errorf("expected no critical notifications, got %d", got)
	}
	if ids := suspender.suspendedIDs(); len(ids) != 0 {
		t.Errorf("warning must not suspend, got %v", ids)
	}
}

func TestAnomalyServiceLogLevelStaysQuiet(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	if err := store.PutBaseline(context.Background(), steadyBaseline("carol", now)); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	critical := &stubNotifier{name: "pagerduty"}
	warning := &stubNotifier{name: "slack"}
	recorder := &captureRecorder{}

	svc := NewAnomalyService(store, AnomalyConfig{}, discardLogger(),
		WithCriticalNotifiers(critical),
		WithWarningNotifiers(warning),
		WithAuditRecorder(recorder),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// An unfamiliar capability alone is low severity: log level.
	event := steadyEvent("carol", now)
	event.CapabilityID = "crm.export_customers"
	svc.Observe(event)
	svc.Stop()

	if critical.count() != 0 || warning.count() != 0 {
		t.Errorf("log level must not notify, got critical=%d warning=%d", critical.count(), warning.count())
	}
	events := recorder.recorded()
	if len(events) != 1 {
		t.Fatalf("expected the detection audited, got %d events", len(events))
	}
	if events[0].Severity != audit.SeverityMedium {
		t.Errorf("expected medium severity for log level, got %s", events[0].Severity)
	}
}

func TestAnomalyServiceMinimalBaselineDetectsNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	recorder := &captureRecorder{}
	warning := &stubNotifier{name: "slack"}

	svc := NewAnomalyService(store, AnomalyConfig{}, discardLogger(),
		WithWarningNotifiers(warning),
		WithAuditRecorder(recorder),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// No history at all: the rebuilt baseline is minimal and the rules
	// stay silent, but the observation still lands in the history store.
	event := steadyEvent("dave", now)
	event.Sensitivity = resource.SensitivityCritical
	event.ResultSize = 100000
	svc.Observe(event)
	svc.Stop()

	if svc.Detections() != 0 {
		t.Errorf("minimal baseline must detect nothing, got %d detections", svc.Detections())
	}
	if len(recorder.recorded()) != 0 {
		t.Errorf("expected no audit events, got %d", len(recorder.recorded()))
	}
	if warning.count() != 0 {
		t.Errorf("expected no notifications, got %d", warning.count())
	}
	if got := store.EventCount("dave"); got != 1 {
		t.Errorf("expected observation recorded, got %d events", got)
	}
}

func TestAnomalyServiceRebuildsStaleBaseline(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()

	// Two weeks of routine history inside the lookback window.
	for day := 1; day <= 14; day++ {
		at := now.AddDate(0, 0, -day)
		if err := store.RecordEvent(context.Background(), steadyEvent("erin", at)); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}
	stale := steadyBaseline("erin", now.Add(-48*time.Hour))
	if err := store.PutBaseline(context.Background(), stale); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	svc := NewAnomalyService(store, AnomalyConfig{BaselineMaxAge: 24 * time.Hour}, discardLogger(),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Observe(steadyEvent("erin", now))
	svc.Stop()

	rebuilt, err := store.GetBaseline(context.Background(), "erin")
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if !rebuilt.ComputedAt.After(stale.ComputedAt) {
		t.Errorf("expected baseline recomputed, ComputedAt still %v", rebuilt.ComputedAt)
	}
	if rebuilt.EventCount != 14 {
		t.Errorf("expected 14 events in rebuilt baseline, got %d", rebuilt.EventCount)
	}
}

func TestAnomalyServiceNotifierFailureSuppressed(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	if err := store.PutBaseline(context.Background(), steadyBaseline("frank", now)); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	broken := &stubNotifier{name: "pagerduty", fail: true}
	suspender := &stubSuspender{}

	svc := NewAnomalyService(store, AnomalyConfig{AutoSuspend: true}, discardLogger(),
		WithCriticalNotifiers(broken),
		WithSuspender(suspender),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	event := steadyEvent("frank", now)
	event.ResultSize = 5000
	event.Sensitivity = resource.SensitivityCritical
	svc.Observe(event)
	svc.Stop()

	// The channel failure must not stop the rest of the response.
	if ids := suspender.suspendedIDs(); len(ids) != 1 {
		t.Errorf("expected suspension despite notifier failure, got %v", ids)
	}
	if svc.Detections() != 1 {
		t.Errorf("expected detection counted, got %d", svc.Detections())
	}
}

func TestAnomalyServiceDetectsRapidBurst(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	if err := store.PutBaseline(context.Background(), steadyBaseline("grace", now)); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}
	// Nine prior calls in the last minute; the tenth trips the burst rule.
	for i := 1; i <= 9; i++ {
		at := now.Add(-time.Duration(i) * 5 * time.Second)
		if err := store.RecordEvent(context.Background(), steadyEvent("grace", at)); err != nil {
			t.Fatalf("seed burst: %v", err)
		}
	}

	recorder := &captureRecorder{}
	svc := NewAnomalyService(store, AnomalyConfig{}, discardLogger(),
		WithAuditRecorder(recorder),
		WithClock(func() time.Time { return now }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Observe(steadyEvent("grace", now))
	svc.Stop()

	events := recorder.recorded()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	kinds, _ := events[0].Details["kinds"].([]string)
	found := false
	for _, k := range kinds {
		if k == string(anomaly.KindRapidRequests) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected rapid_requests among %v", kinds)
	}
}

func TestAnomalyServiceDropsWhenQueueFull(t *testing.T) {
	store := memory.NewAnomalyStore()
	svc := NewAnomalyService(store, AnomalyConfig{QueueSize: 1}, discardLogger())

	// Worker never started: the second observation has nowhere to go.
	now := time.Now().UTC()
	svc.Observe(steadyEvent("henry", now))
	svc.Observe(steadyEvent("henry", now))

	if got := svc.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped observation, got %d", got)
	}
}

func TestAnomalyServiceRebuildBaselineOnDemand(t *testing.T) {
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	store := memory.NewAnomalyStore()
	for day := 1; day <= 5; day++ {
		at := now.AddDate(0, 0, -day)
		if err := store.RecordEvent(context.Background(), steadyEvent("iris", at)); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	svc := NewAnomalyService(store, AnomalyConfig{}, discardLogger(),
		WithClock(func() time.Time { return now }),
	)

	baseline, err := svc.RebuildBaseline(context.Background(), "iris")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if baseline.EventCount != 5 {
		t.Errorf("expected 5 events, got %d", baseline.EventCount)
	}
	if !baseline.HasCapability("crm.search_customers") {
		t.Errorf("expected crm.search_customers in common capabilities")
	}

	stored, err := store.GetBaseline(context.Background(), "iris")
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if stored.EventCount != 5 {
		t.Errorf("expected baseline persisted, got %d events", stored.EventCount)
	}
}
