package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

func newSQLiteTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storeEvent(id string, ts time.Time, eventType string, severity audit.Severity) audit.Event {
	return audit.Event{
		ID:          id,
		Timestamp:   ts,
		EventType:   eventType,
		Severity:    severity,
		PrincipalID: "user-1",
		Decision:    audit.DecisionAllow,
		RequestID:   "req-" + id,
	}
}

func TestSQLStore_InsertAndQueryRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	forwarded := base.Add(-time.Minute)
	ev := audit.Event{
		ID:              "ev-1",
		Timestamp:       base,
		EventType:       audit.EventTypeInjectionDetected,
		Severity:        audit.SeverityCritical,
		PrincipalID:     "agent-7",
		ResourceID:      "res-1",
		CapabilityID:    "cap-1",
		Decision:        audit.DecisionDeny,
		Reason:          "risk score 85",
		RequestID:       "req-1",
		SessionID:       "sess-1",
		ClientIP:        "10.0.0.9",
		Protocol:        "mcp",
		LatencyMicros:   1500,
		Details:         map[string]interface{}{"score": float64(85), "patterns": []interface{}{"override"}},
		SIEMForwardedAt: &forwarded,
		RetentionDays:   365,
	}
	if err := store.Insert(ctx, ev); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	events, next, err := store.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if next != "" {
		t.Errorf("cursor = %q, want empty", next)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	got := events[0]
	if got.ID != ev.ID || got.EventType != ev.EventType || got.Severity != ev.Severity {
		t.Errorf("identity fields = %s/%s/%s", got.ID, got.EventType, got.Severity)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, base)
	}
	if got.Reason != ev.Reason || got.ClientIP != ev.ClientIP || got.LatencyMicros != 1500 {
		t.Errorf("payload fields did not round-trip: %+v", got)
	}
	if got.Details["score"] != float64(85) {
		t.Errorf("Details[score] = %v, want 85", got.Details["score"])
	}
	if got.SIEMForwardedAt == nil || !got.SIEMForwardedAt.Equal(forwarded) {
		t.Errorf("SIEMForwardedAt = %v, want %v", got.SIEMForwardedAt, forwarded)
	}
	if got.RetentionDays != 365 {
		t.Errorf("RetentionDays = %d, want 365", got.RetentionDays)
	}
}

func TestSQLStore_InsertCompletesDefaults(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	ev := audit.Event{ID: "ev-d", EventType: audit.EventTypeToolCall, Severity: audit.SeverityLow}
	if err := store.Insert(ctx, ev); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	events, _, err := store.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Error("zero timestamp was not completed")
	}
	if events[0].RetentionDays != audit.RetentionToolCallDays {
		t.Errorf("RetentionDays = %d, want %d", events[0].RetentionDays, audit.RetentionToolCallDays)
	}
}

func TestSQLStore_QueryFilters(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	events := []audit.Event{
		storeEvent("a", base, audit.EventTypeToolCall, audit.SeverityLow),
		storeEvent("b", base.Add(time.Minute), audit.EventTypeInjectionDetected, audit.SeverityHigh),
		storeEvent("c", base.Add(2*time.Minute), audit.EventTypeAnomalyDetected, audit.SeverityCritical),
	}
	events[1].PrincipalID = "agent-2"
	events[1].Decision = audit.DecisionDeny
	if err := store.Insert(ctx, events...); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	t.Run("newest first", func(t *testing.T) {
		got, _, err := store.Query(ctx, audit.Filter{})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 3 || got[0].ID != "c" || got[2].ID != "a" {
			t.Errorf("order = %v", ids(got))
		}
	})

	t.Run("by event type", func(t *testing.T) {
		got, _, err := store.Query(ctx, audit.Filter{EventTypes: []string{audit.EventTypeInjectionDetected}})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("got %v, want [b]", ids(got))
		}
	})

	t.Run("by principal", func(t *testing.T) {
		got, _, err := store.Query(ctx, audit.Filter{PrincipalID: "agent-2"})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("got %v, want [b]", ids(got))
		}
	})

	t.Run("by decision", func(t *testing.T) {
		got, _, err := store.Query(ctx, audit.Filter{Decision: audit.DecisionDeny})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("got %v, want [b]", ids(got))
		}
	})

	t.Run("min severity", func(t *testing.T) {
		got, _, err := store.Query(ctx, audit.Filter{MinSeverity: audit.SeverityHigh})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
			t.Errorf("got %v, want [c b]", ids(got))
		}
	})

	t.Run("time range", func(t *testing.T) {
		got, _, err := store.Query(ctx, audit.Filter{
			Start: base.Add(30 * time.Second),
			End:   base.Add(90 * time.Second),
		})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("got %v, want [b]", ids(got))
		}
	})

	t.Run("inverted range", func(t *testing.T) {
		_, _, err := store.Query(ctx, audit.Filter{Start: base.Add(time.Hour), End: base})
		if err != audit.ErrInvalidRange {
			t.Errorf("error = %v, want ErrInvalidRange", err)
		}
	})
}

func TestSQLStore_QueryPagination(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	for i := 0; i < 5; i++ {
		ev := storeEvent(fmt.Sprintf("p-%d", i), base.Add(time.Duration(i)*time.Second),
			audit.EventTypeToolCall, audit.SeverityLow)
		if err := store.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
	}

	var all []string
	cursor := ""
	pages := 0
	for {
		got, next, err := store.Query(ctx, audit.Filter{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query() page error: %v", err)
		}
		all = append(all, ids(got)...)
		pages++
		if next == "" {
			break
		}
		cursor = next
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	want := []string{"p-4", "p-3", "p-2", "p-1", "p-0"}
	if len(all) != len(want) {
		t.Fatalf("got %d events, want %d", len(all), len(want))
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("all[%d] = %q, want %q", i, all[i], want[i])
		}
	}
}

func TestSQLStore_PaginationBreaksTiesById(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Insert(ctx, storeEvent(id, ts, audit.EventTypeToolCall, audit.SeverityLow)); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
	}

	page1, cursor, err := store.Query(ctx, audit.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if cursor == "" {
		t.Fatal("expected a continuation cursor")
	}
	page2, _, err := store.Query(ctx, audit.Filter{Limit: 2, Cursor: cursor})
	if err != nil {
		t.Fatalf("Query() page 2 error: %v", err)
	}

	got := append(ids(page1), ids(page2)...)
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSQLStore_ForwardingLifecycle(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	if err := store.Insert(ctx,
		storeEvent("low", base, audit.EventTypeToolCall, audit.SeverityLow),
		storeEvent("high", base.Add(time.Second), audit.EventTypeInjectionDetected, audit.SeverityHigh),
		storeEvent("crit", base.Add(2*time.Second), audit.EventTypeAnomalyDetected, audit.SeverityCritical),
	); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	pending, err := store.ListUnforwarded(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnforwarded() error: %v", err)
	}
	// Oldest first, low severity excluded.
	if len(pending) != 2 || pending[0].ID != "high" || pending[1].ID != "crit" {
		t.Fatalf("pending = %v, want [high crit]", ids(pending))
	}

	stamp := base.Add(time.Minute)
	if err := store.MarkForwarded(ctx, []string{"high", "crit", "missing"}, stamp); err != nil {
		t.Fatalf("MarkForwarded() error: %v", err)
	}

	pending, err = store.ListUnforwarded(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnforwarded() after stamp error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after stamp = %v, want empty", ids(pending))
	}

	events, _, err := store.Query(ctx, audit.Filter{MinSeverity: audit.SeverityHigh})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	for _, ev := range events {
		if ev.SIEMForwardedAt == nil || !ev.SIEMForwardedAt.Equal(stamp) {
			t.Errorf("event %s forwarded stamp = %v, want %v", ev.ID, ev.SIEMForwardedAt, stamp)
		}
	}
}

func TestSQLStore_PurgeExpired(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	expired := storeEvent("old", now.AddDate(0, 0, -2), audit.EventTypeToolCall, audit.SeverityLow)
	expired.RetentionDays = 1
	fresh := storeEvent("fresh", now, audit.EventTypeToolCall, audit.SeverityLow)

	if err := store.Insert(ctx, expired, fresh); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	deleted, err := store.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	events, _, err := store.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "fresh" {
		t.Errorf("surviving events = %v, want [fresh]", ids(events))
	}
}

func sampleDecision(id string, ts time.Time) *audit.DecisionLog {
	return &audit.DecisionLog{
		ID:                   id,
		Timestamp:            ts,
		Result:               "allow",
		Allow:                true,
		UserID:               "user-1",
		UserRole:             "developer",
		UserTeams:            []string{"platform", "security"},
		Action:               "read_file",
		ResourceType:         "mcp_tool",
		ResourceID:           "res-1",
		CapabilityID:         "cap-1",
		CapabilityName:       "read_file",
		SensitivityLevel:     "low",
		ServerID:             "srv-1",
		ServerName:           "files",
		PoliciesEvaluated:    []string{"default-allow", "sensitivity-gate"},
		PolicyResults:        map[string]bool{"default-allow": true, "sensitivity-gate": true},
		Violations:           nil,
		Reason:               "matched default-allow",
		EvaluationDurationMS: 2.5,
		CacheHit:             true,
		ClientIP:             "10.0.0.9",
		RequestID:            "req-" + id,
		SessionID:            "sess-1",
		MFAVerified:          true,
		MFAMethod:            "totp",
		TimeBasedAllowed:     true,
		IPFilteringAllowed:   true,
		MFARequiredSatisfied: true,
	}
}

func TestSQLStore_DecisionRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	row := sampleDecision("d-1", ts)
	if err := store.InsertDecision(ctx, row); err != nil {
		t.Fatalf("InsertDecision() error: %v", err)
	}

	rows, next, err := store.QueryDecisions(ctx, audit.DecisionFilter{})
	if err != nil {
		t.Fatalf("QueryDecisions() error: %v", err)
	}
	if next != "" {
		t.Errorf("cursor = %q, want empty", next)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	got := rows[0]
	if got.ID != "d-1" || !got.Allow || got.Result != "allow" {
		t.Errorf("identity fields: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if len(got.UserTeams) != 2 || got.UserTeams[0] != "platform" {
		t.Errorf("UserTeams = %v", got.UserTeams)
	}
	if len(got.PoliciesEvaluated) != 2 {
		t.Errorf("PoliciesEvaluated = %v", got.PoliciesEvaluated)
	}
	if !got.PolicyResults["sensitivity-gate"] {
		t.Errorf("PolicyResults = %v", got.PolicyResults)
	}
	if got.Violations != nil {
		t.Errorf("Violations = %v, want nil", got.Violations)
	}
	if got.EvaluationDurationMS != 2.5 || !got.CacheHit {
		t.Errorf("metrics fields: duration=%v cacheHit=%v", got.EvaluationDurationMS, got.CacheHit)
	}
	if !got.MFAVerified || got.MFAMethod != "totp" || !got.MFARequiredSatisfied {
		t.Errorf("mfa fields: %+v", got)
	}
}

func TestSQLStore_QueryDecisionsFilters(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	allow := sampleDecision("d-allow", base)
	deny := sampleDecision("d-deny", base.Add(time.Second))
	deny.Result = "deny"
	deny.Allow = false
	deny.UserID = "user-2"
	deny.Action = "delete_file"
	deny.SensitivityLevel = "high"
	deny.DenialReason = "sensitivity gate"

	if err := store.InsertDecision(ctx, allow); err != nil {
		t.Fatalf("InsertDecision() error: %v", err)
	}
	if err := store.InsertDecision(ctx, deny); err != nil {
		t.Fatalf("InsertDecision() error: %v", err)
	}

	cases := []struct {
		name   string
		filter audit.DecisionFilter
		want   string
	}{
		{"by user", audit.DecisionFilter{UserID: "user-2"}, "d-deny"},
		{"by action", audit.DecisionFilter{Action: "read_file"}, "d-allow"},
		{"by result", audit.DecisionFilter{Result: "deny"}, "d-deny"},
		{"by sensitivity", audit.DecisionFilter{SensitivityLevel: "high"}, "d-deny"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, _, err := store.QueryDecisions(ctx, tc.filter)
			if err != nil {
				t.Fatalf("QueryDecisions() error: %v", err)
			}
			if len(rows) != 1 || rows[0].ID != tc.want {
				t.Errorf("got %d rows (first %q), want [%s]", len(rows), firstDecisionID(rows), tc.want)
			}
		})
	}
}

func TestSQLStore_DecisionAnalytics(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	latencies := []float64{10, 20, 30, 40}
	for i, lat := range latencies {
		row := sampleDecision(fmt.Sprintf("d-%d", i), base.Add(time.Duration(i)*time.Second))
		row.EvaluationDurationMS = lat
		row.CacheHit = i == 0
		if i%2 == 1 {
			row.Result = "deny"
			row.Allow = false
			row.Action = "delete_file"
			row.SensitivityLevel = "high"
			row.UserRole = "admin"
		}
		if err := store.InsertDecision(ctx, row); err != nil {
			t.Fatalf("InsertDecision() error: %v", err)
		}
	}

	got, err := store.DecisionAnalytics(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("DecisionAnalytics() error: %v", err)
	}

	if got.Total != 4 || got.Allowed != 2 || got.Denied != 2 {
		t.Errorf("counts = %d/%d/%d, want 4/2/2", got.Total, got.Allowed, got.Denied)
	}
	if got.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", got.CacheHits)
	}
	if got.LatencyP50MS != 20 {
		t.Errorf("p50 = %v, want 20", got.LatencyP50MS)
	}
	if got.LatencyP95MS != 40 || got.LatencyP99MS != 40 {
		t.Errorf("p95/p99 = %v/%v, want 40/40", got.LatencyP95MS, got.LatencyP99MS)
	}
	if got.ByAction["read_file"] != 2 || got.ByAction["delete_file"] != 2 {
		t.Errorf("ByAction = %v", got.ByAction)
	}
	if got.BySensitivity["low"] != 2 || got.BySensitivity["high"] != 2 {
		t.Errorf("BySensitivity = %v", got.BySensitivity)
	}
	if got.ByUserRole["developer"] != 2 || got.ByUserRole["admin"] != 2 {
		t.Errorf("ByUserRole = %v", got.ByUserRole)
	}
}

func TestSQLStore_AnalyticsEmptyRange(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	got, err := store.DecisionAnalytics(context.Background(),
		time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("DecisionAnalytics() error: %v", err)
	}
	if got.Total != 0 || got.LatencyP50MS != 0 {
		t.Errorf("empty analytics = %+v", got)
	}
}

func TestSeveritiesAtOrAbove(t *testing.T) {
	t.Parallel()

	if got := severitiesAtOrAbove(""); got != nil {
		t.Errorf("empty min = %v, want nil", got)
	}
	if got := severitiesAtOrAbove(audit.SeverityLow); got != nil {
		t.Errorf("low min = %v, want nil (no constraint)", got)
	}
	got := severitiesAtOrAbove(audit.SeverityHigh)
	if len(got) != 2 || got[0] != "high" || got[1] != "critical" {
		t.Errorf("high min = %v, want [high critical]", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	cursor := encodeCursor(1712345678901234, "ev-9")
	ts, id, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decodeCursor() error: %v", err)
	}
	if ts != 1712345678901234 || id != "ev-9" {
		t.Errorf("decoded = (%d, %q)", ts, id)
	}

	if _, _, err := decodeCursor("not base64!"); err == nil {
		t.Error("malformed cursor should fail")
	}
	if _, _, err := decodeCursor("aGVsbG8"); err == nil {
		t.Error("cursor without separator should fail")
	}
}

func ids(events []audit.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func firstDecisionID(rows []audit.DecisionLog) string {
	if len(rows) == 0 {
		return ""
	}
	return rows[0].ID
}
