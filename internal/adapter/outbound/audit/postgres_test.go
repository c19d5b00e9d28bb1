package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sark-labs/sark/internal/domain/audit"
)

func newMockPostgresStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(db, testLogger()), mock
}

func TestDialectRebind(t *testing.T) {
	t.Parallel()

	got := dialectPostgres.rebind("INSERT INTO t (a, b) VALUES (?, ?) WHERE c = ?")
	want := "INSERT INTO t (a, b) VALUES ($1, $2) WHERE c = $3"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	if got := dialectSQLite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q, want unchanged", got)
	}
}

func TestPostgresStore_InsertUsesNumberedPlaceholders(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`(?s)INSERT INTO audit_events.*\$18`)
	prep.ExpectExec().
		WithArgs("ev-1", ts.UnixMicro(), audit.EventTypeToolCall, "low", "user-1",
			"", "", audit.DecisionAllow, "", "req-ev-1",
			"", "", "", int64(0), nil,
			nil, audit.RetentionToolCallDays, ts.AddDate(0, 0, audit.RetentionToolCallDays).UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := storeEvent("ev-1", ts, audit.EventTypeToolCall, audit.SeverityLow)
	if err := store.Insert(context.Background(), ev); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_QueryScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	cols := []string{
		"id", "timestamp_us", "event_type", "severity", "principal_id",
		"resource_id", "capability_id", "decision", "reason", "request_id",
		"session_id", "client_ip", "protocol", "latency_micros", "details",
		"siem_forwarded_us", "retention_days",
	}
	rows := sqlmock.NewRows(cols).
		AddRow("ev-1", ts.UnixMicro(), audit.EventTypeInjectionDetected, "critical", "agent-7",
			"res-1", "cap-1", audit.DecisionDeny, "risk 85", "req-1",
			"sess-1", "10.0.0.9", "mcp", int64(1500), `{"score":85}`,
			ts.Add(time.Minute).UnixMicro(), 365).
		AddRow("ev-2", ts.Add(-time.Second).UnixMicro(), audit.EventTypeToolCall, "low", "agent-7",
			"", "", audit.DecisionAllow, "", "req-2",
			"", "", "", int64(10), nil,
			nil, 90)

	mock.ExpectQuery(`(?s)SELECT.*FROM audit_events.*principal_id = \$1.*ORDER BY timestamp_us DESC, id DESC LIMIT \$2`).
		WithArgs("agent-7", audit.DefaultQueryLimit+1).
		WillReturnRows(rows)

	events, next, err := store.Query(context.Background(), audit.Filter{PrincipalID: "agent-7"})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if next != "" {
		t.Errorf("cursor = %q, want empty", next)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Details["score"] != float64(85) {
		t.Errorf("Details = %v", events[0].Details)
	}
	if events[0].SIEMForwardedAt == nil {
		t.Error("forwarded stamp lost in scan")
	}
	if events[1].Details != nil || events[1].SIEMForwardedAt != nil {
		t.Errorf("NULL columns should scan to zero values: %+v", events[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ListUnforwardedArgs(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)

	cols := []string{
		"id", "timestamp_us", "event_type", "severity", "principal_id",
		"resource_id", "capability_id", "decision", "reason", "request_id",
		"session_id", "client_ip", "protocol", "latency_micros", "details",
		"siem_forwarded_us", "retention_days",
	}
	mock.ExpectQuery(`(?s)SELECT.*siem_forwarded_us IS NULL.*ORDER BY timestamp_us ASC, id ASC LIMIT \$3`).
		WithArgs("high", "critical", 50).
		WillReturnRows(sqlmock.NewRows(cols))

	events, err := store.ListUnforwarded(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListUnforwarded() error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_MarkForwardedArgs(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	at := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectExec(`(?s)UPDATE audit_events SET siem_forwarded_us = \$1.*IN \(\$2, \$3\).*siem_forwarded_us IS NULL`).
		WithArgs(at.UnixMicro(), "ev-1", "ev-2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := store.MarkForwarded(context.Background(), []string{"ev-1", "ev-2"}, at); err != nil {
		t.Fatalf("MarkForwarded() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_PurgeExpiredCountsDeletes(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectExec(`DELETE FROM audit_events WHERE expires_us <= \$1`).
		WithArgs(now.UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.PurgeExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("PurgeExpired() error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_InsertDecisionPlaceholderCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectExec(`(?s)INSERT INTO decision_logs.*\$30`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.InsertDecision(context.Background(), sampleDecision("d-1", ts)); err != nil {
		t.Fatalf("InsertDecision() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
