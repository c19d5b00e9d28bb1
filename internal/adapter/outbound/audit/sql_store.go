package audit

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

// dialect selects placeholder style and DDL for the backing database.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is the relational audit store. It implements the temporal
// event log (audit.Store) and the flattened decision log
// (audit.DecisionStore) over a single database handle.
//
// Timestamps are persisted as integer microseconds since the Unix
// epoch so that range scans and keyset pagination behave identically
// on SQLite and PostgreSQL. JSON-valued columns are stored as TEXT.
type SQLStore struct {
	db      *sql.DB
	d       dialect
	logger  *slog.Logger
	nowFunc func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, d: d, logger: logger, nowFunc: time.Now}
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health probes.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Insert appends events in one transaction. Events without an id,
// timestamp, or retention horizon are completed before writing.
func (s *SQLStore) Insert(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(`
		INSERT INTO audit_events (
			id, timestamp_us, event_type, severity, principal_id,
			resource_id, capability_id, decision, reason, request_id,
			session_id, client_ip, protocol, latency_micros, details,
			siem_forwarded_us, retention_days, expires_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range events {
		ev := &events[i]
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.nowFunc().UTC()
		}
		if ev.RetentionDays <= 0 {
			ev.RetentionDays = audit.RetentionFor(ev.EventType)
		}

		details, err := marshalJSONColumn(ev.Details)
		if err != nil {
			return fmt.Errorf("encode details for event %s: %w", ev.ID, err)
		}

		ts := ev.Timestamp.UTC().UnixMicro()
		expires := ev.Timestamp.UTC().AddDate(0, 0, ev.RetentionDays).UnixMicro()

		var forwarded sql.NullInt64
		if ev.SIEMForwardedAt != nil {
			forwarded = sql.NullInt64{Int64: ev.SIEMForwardedAt.UTC().UnixMicro(), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			ev.ID, ts, ev.EventType, string(ev.Severity), ev.PrincipalID,
			ev.ResourceID, ev.CapabilityID, ev.Decision, ev.Reason, ev.RequestID,
			ev.SessionID, ev.ClientIP, ev.Protocol, ev.LatencyMicros, details,
			forwarded, ev.RetentionDays, expires,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

const eventColumns = `id, timestamp_us, event_type, severity, principal_id,
	resource_id, capability_id, decision, reason, request_id,
	session_id, client_ip, protocol, latency_micros, details,
	siem_forwarded_us, retention_days`

// Query returns events matching the filter, newest first, with keyset
// pagination over (timestamp, id).
func (s *SQLStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, string, error) {
	if err := filter.Normalize(); err != nil {
		return nil, "", err
	}

	var (
		where []string
		args  []interface{}
	)
	if !filter.Start.IsZero() {
		where = append(where, "timestamp_us >= ?")
		args = append(args, filter.Start.UTC().UnixMicro())
	}
	if !filter.End.IsZero() {
		where = append(where, "timestamp_us < ?")
		args = append(args, filter.End.UTC().UnixMicro())
	}
	if len(filter.EventTypes) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(filter.EventTypes))+")")
		for _, t := range filter.EventTypes {
			args = append(args, t)
		}
	}
	if filter.PrincipalID != "" {
		where = append(where, "principal_id = ?")
		args = append(args, filter.PrincipalID)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.CapabilityID != "" {
		where = append(where, "capability_id = ?")
		args = append(args, filter.CapabilityID)
	}
	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, filter.Decision)
	}
	if filter.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if levels := severitiesAtOrAbove(filter.MinSeverity); len(levels) > 0 {
		where = append(where, "severity IN ("+placeholders(len(levels))+")")
		for _, l := range levels {
			args = append(args, l)
		}
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		where = append(where, "(timestamp_us < ? OR (timestamp_us = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}

	query := "SELECT " + eventColumns + " FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// One extra row decides whether another page exists.
	query += " ORDER BY timestamp_us DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit+1)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, "", fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, "", err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("scan events: %w", err)
	}

	next := ""
	if len(events) > filter.Limit {
		events = events[:filter.Limit]
		last := events[len(events)-1]
		next = encodeCursor(last.Timestamp.UnixMicro(), last.ID)
	}
	return events, next, nil
}

// ListUnforwarded returns forwardable events not yet stamped, oldest
// first.
func (s *SQLStore) ListUnforwarded(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	query := "SELECT " + eventColumns + ` FROM audit_events
		WHERE severity IN (?, ?) AND siem_forwarded_us IS NULL
		ORDER BY timestamp_us ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query),
		string(audit.SeverityHigh), string(audit.SeverityCritical), limit)
	if err != nil {
		return nil, fmt.Errorf("query unforwarded: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkForwarded stamps the forwarding time on the given events.
func (s *SQLStore) MarkForwarded(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE audit_events SET siem_forwarded_us = ?
		WHERE id IN (` + placeholders(len(ids)) + `) AND siem_forwarded_us IS NULL`
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, at.UTC().UnixMicro())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, s.d.rebind(query), args...); err != nil {
		return fmt.Errorf("mark forwarded: %w", err)
	}
	return nil
}

// PurgeExpired deletes events past their retention horizon.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.d.rebind("DELETE FROM audit_events WHERE expires_us <= ?"),
		now.UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("audit retention sweep", "deleted", deleted)
	}
	return deleted, nil
}

// InsertDecision appends one flattened decision row.
func (s *SQLStore) InsertDecision(ctx context.Context, row *audit.DecisionLog) error {
	teams, err := marshalJSONColumn(row.UserTeams)
	if err != nil {
		return fmt.Errorf("encode user_teams: %w", err)
	}
	policies, err := marshalJSONColumn(row.PoliciesEvaluated)
	if err != nil {
		return fmt.Errorf("encode policies_evaluated: %w", err)
	}
	results, err := marshalJSONColumn(row.PolicyResults)
	if err != nil {
		return fmt.Errorf("encode policy_results: %w", err)
	}
	violations, err := marshalJSONColumn(row.Violations)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}

	ts := row.Timestamp
	if ts.IsZero() {
		ts = s.nowFunc()
	}

	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO decision_logs (
			id, timestamp_us, result, allow, user_id, user_role, user_teams,
			action, resource_type, resource_id, capability_id, capability_name,
			sensitivity_level, server_id, server_name, policies_evaluated,
			policy_results, violations, reason, denial_reason,
			evaluation_duration_ms, cache_hit, client_ip, request_id,
			session_id, mfa_verified, mfa_method, time_based_allowed,
			ip_filtering_allowed, mfa_required_satisfied
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, ts.UTC().UnixMicro(), row.Result, row.Allow, row.UserID,
		row.UserRole, teams, row.Action, row.ResourceType, row.ResourceID,
		row.CapabilityID, row.CapabilityName, row.SensitivityLevel,
		row.ServerID, row.ServerName, policies, results, violations,
		row.Reason, row.DenialReason, row.EvaluationDurationMS, row.CacheHit,
		row.ClientIP, row.RequestID, row.SessionID, row.MFAVerified,
		row.MFAMethod, row.TimeBasedAllowed, row.IPFilteringAllowed,
		row.MFARequiredSatisfied)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", row.ID, err)
	}
	return nil
}

const decisionColumns = `id, timestamp_us, result, allow, user_id, user_role, user_teams,
	action, resource_type, resource_id, capability_id, capability_name,
	sensitivity_level, server_id, server_name, policies_evaluated,
	policy_results, violations, reason, denial_reason,
	evaluation_duration_ms, cache_hit, client_ip, request_id,
	session_id, mfa_verified, mfa_method, time_based_allowed,
	ip_filtering_allowed, mfa_required_satisfied`

// QueryDecisions returns decision rows matching the filter, newest
// first, with keyset pagination.
func (s *SQLStore) QueryDecisions(ctx context.Context, filter audit.DecisionFilter) ([]audit.DecisionLog, string, error) {
	if err := filter.Normalize(); err != nil {
		return nil, "", err
	}

	var (
		where []string
		args  []interface{}
	)
	if !filter.Start.IsZero() {
		where = append(where, "timestamp_us >= ?")
		args = append(args, filter.Start.UTC().UnixMicro())
	}
	if !filter.End.IsZero() {
		where = append(where, "timestamp_us < ?")
		args = append(args, filter.End.UTC().UnixMicro())
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Result != "" {
		where = append(where, "result = ?")
		args = append(args, filter.Result)
	}
	if filter.SensitivityLevel != "" {
		where = append(where, "sensitivity_level = ?")
		args = append(args, filter.SensitivityLevel)
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		where = append(where, "(timestamp_us < ? OR (timestamp_us = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}

	query := "SELECT " + decisionColumns + " FROM decision_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_us DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit+1)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, "", fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []audit.DecisionLog
	for rows.Next() {
		row, err := scanDecision(rows)
		if err != nil {
			return nil, "", err
		}
		logs = append(logs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("scan decisions: %w", err)
	}

	next := ""
	if len(logs) > filter.Limit {
		logs = logs[:filter.Limit]
		last := logs[len(logs)-1]
		next = encodeCursor(last.Timestamp.UnixMicro(), last.ID)
	}
	return logs, next, nil
}

// DecisionAnalytics aggregates decision rows between start and end.
// Counts and group-bys run in SQL; latency percentiles are computed
// over the fetched latency column since neither backend shares a
// portable percentile function.
func (s *SQLStore) DecisionAnalytics(ctx context.Context, start, end time.Time) (*audit.Analytics, error) {
	startUS := start.UTC().UnixMicro()
	endUS := end.UTC().UnixMicro()

	out := &audit.Analytics{
		ByAction:      map[string]int64{},
		BySensitivity: map[string]int64{},
		ByUserRole:    map[string]int64{},
	}

	row := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN allow THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0)
		FROM decision_logs WHERE timestamp_us >= ? AND timestamp_us < ?`),
		startUS, endUS)
	if err := row.Scan(&out.Total, &out.Allowed, &out.CacheHits); err != nil {
		return nil, fmt.Errorf("aggregate decisions: %w", err)
	}
	out.Denied = out.Total - out.Allowed

	groups := []struct {
		column string
		target map[string]int64
	}{
		{"action", out.ByAction},
		{"sensitivity_level", out.BySensitivity},
		{"user_role", out.ByUserRole},
	}
	for _, g := range groups {
		query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM decision_logs
			WHERE timestamp_us >= ? AND timestamp_us < ? AND %s <> ''
			GROUP BY %s`, g.column, g.column, g.column)
		rows, err := s.db.QueryContext(ctx, s.d.rebind(query), startUS, endUS)
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan %s group: %w", g.column, err)
			}
			g.target[key] = count
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", g.column, err)
		}
	}

	latencies, err := s.latenciesInRange(ctx, startUS, endUS)
	if err != nil {
		return nil, err
	}
	out.LatencyP50MS = percentile(latencies, 0.50)
	out.LatencyP95MS = percentile(latencies, 0.95)
	out.LatencyP99MS = percentile(latencies, 0.99)
	return out, nil
}

func (s *SQLStore) latenciesInRange(ctx context.Context, startUS, endUS int64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT evaluation_duration_ms FROM decision_logs
		WHERE timestamp_us >= ? AND timestamp_us < ?
		ORDER BY evaluation_duration_ms`),
		startUS, endUS)
	if err != nil {
		return nil, fmt.Errorf("query latencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan latency: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// percentile computes a nearest-rank percentile. Values must be
// sorted ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(rows rowScanner) (audit.Event, error) {
	var (
		ev        audit.Event
		ts        int64
		severity  string
		details   sql.NullString
		forwarded sql.NullInt64
	)
	if err := rows.Scan(
		&ev.ID, &ts, &ev.EventType, &severity, &ev.PrincipalID,
		&ev.ResourceID, &ev.CapabilityID, &ev.Decision, &ev.Reason, &ev.RequestID,
		&ev.SessionID, &ev.ClientIP, &ev.Protocol, &ev.LatencyMicros, &details,
		&forwarded, &ev.RetentionDays,
	); err != nil {
		return audit.Event{}, fmt.Errorf("scan event: %w", err)
	}

	ev.Timestamp = time.UnixMicro(ts).UTC()
	ev.Severity = audit.Severity(severity)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
			return audit.Event{}, fmt.Errorf("decode details for event %s: %w", ev.ID, err)
		}
	}
	if forwarded.Valid {
		at := time.UnixMicro(forwarded.Int64).UTC()
		ev.SIEMForwardedAt = &at
	}
	return ev, nil
}

func scanDecision(rows rowScanner) (audit.DecisionLog, error) {
	var (
		row        audit.DecisionLog
		ts         int64
		teams      sql.NullString
		policies   sql.NullString
		results    sql.NullString
		violations sql.NullString
	)
	if err := rows.Scan(
		&row.ID, &ts, &row.Result, &row.Allow, &row.UserID, &row.UserRole, &teams,
		&row.Action, &row.ResourceType, &row.ResourceID, &row.CapabilityID,
		&row.CapabilityName, &row.SensitivityLevel, &row.ServerID, &row.ServerName,
		&policies, &results, &violations, &row.Reason, &row.DenialReason,
		&row.EvaluationDurationMS, &row.CacheHit, &row.ClientIP, &row.RequestID,
		&row.SessionID, &row.MFAVerified, &row.MFAMethod, &row.TimeBasedAllowed,
		&row.IPFilteringAllowed, &row.MFARequiredSatisfied,
	); err != nil {
		return audit.DecisionLog{}, fmt.Errorf("scan decision: %w", err)
	}

	row.Timestamp = time.UnixMicro(ts).UTC()
	if err := unmarshalJSONColumn(teams, &row.UserTeams); err != nil {
		return audit.DecisionLog{}, fmt.Errorf("decode user_teams: %w", err)
	}
	if err := unmarshalJSONColumn(policies, &row.PoliciesEvaluated); err != nil {
		return audit.DecisionLog{}, fmt.Errorf("decode policies_evaluated: %w", err)
	}
	if err := unmarshalJSONColumn(results, &row.PolicyResults); err != nil {
		return audit.DecisionLog{}, fmt.Errorf("decode policy_results: %w", err)
	}
	if err := unmarshalJSONColumn(violations, &row.Violations); err != nil {
		return audit.DecisionLog{}, fmt.Errorf("decode violations: %w", err)
	}
	return row, nil
}

// severitiesAtOrAbove expands a minimum severity into the explicit set
// of matching levels, since the column stores names, not ranks.
func severitiesAtOrAbove(min audit.Severity) []string {
	if min == "" || !min.IsValid() {
		return nil
	}
	all := []audit.Severity{
		audit.SeverityLow, audit.SeverityMedium,
		audit.SeverityHigh, audit.SeverityCritical,
	}
	var out []string
	for _, s := range all {
		if s.Rank() >= min.Rank() {
			out = append(out, string(s))
		}
	}
	if len(out) == len(all) {
		// Matching every level is the same as no constraint.
		return nil
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func encodeCursor(timestampUS int64, id string) string {
	raw := strconv.FormatInt(timestampUS, 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed cursor")
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	return ts, parts[1], nil
}

// marshalJSONColumn encodes a value as TEXT, mapping empty values to
// SQL NULL.
func marshalJSONColumn(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]bool:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSONColumn(col sql.NullString, dest interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

// Interface checks shared by both backends.
var (
	_ audit.Store         = (*SQLStore)(nil)
	_ audit.DecisionStore = (*SQLStore)(nil)
)
