package audit

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// sqliteSchema creates the event log and decision log. Integer
// microsecond timestamps keep range scans index-friendly; booleans
// are 0/1 integers.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                TEXT PRIMARY KEY,
	timestamp_us      INTEGER NOT NULL,
	event_type        TEXT NOT NULL,
	severity          TEXT NOT NULL,
	principal_id      TEXT NOT NULL DEFAULT '',
	resource_id       TEXT NOT NULL DEFAULT '',
	capability_id     TEXT NOT NULL DEFAULT '',
	decision          TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL DEFAULT '',
	request_id        TEXT NOT NULL DEFAULT '',
	session_id        TEXT NOT NULL DEFAULT '',
	client_ip         TEXT NOT NULL DEFAULT '',
	protocol          TEXT NOT NULL DEFAULT '',
	latency_micros    INTEGER NOT NULL DEFAULT 0,
	details           TEXT,
	siem_forwarded_us INTEGER,
	retention_days    INTEGER NOT NULL,
	expires_us        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_time      ON audit_events(timestamp_us DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_type      ON audit_events(event_type, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON audit_events(principal_id, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_audit_events_forward   ON audit_events(severity, siem_forwarded_us);
CREATE INDEX IF NOT EXISTS idx_audit_events_expiry    ON audit_events(expires_us);

CREATE TABLE IF NOT EXISTS decision_logs (
	id                     TEXT PRIMARY KEY,
	timestamp_us           INTEGER NOT NULL,
	result                 TEXT NOT NULL,
	allow                  INTEGER NOT NULL DEFAULT 0,
	user_id                TEXT NOT NULL DEFAULT '',
	user_role              TEXT NOT NULL DEFAULT '',
	user_teams             TEXT,
	action                 TEXT NOT NULL DEFAULT '',
	resource_type          TEXT NOT NULL DEFAULT '',
	resource_id            TEXT NOT NULL DEFAULT '',
	capability_id          TEXT NOT NULL DEFAULT '',
	capability_name        TEXT NOT NULL DEFAULT '',
	sensitivity_level      TEXT NOT NULL DEFAULT '',
	server_id              TEXT NOT NULL DEFAULT '',
	server_name            TEXT NOT NULL DEFAULT '',
	policies_evaluated     TEXT,
	policy_results         TEXT,
	violations             TEXT,
	reason                 TEXT NOT NULL DEFAULT '',
	denial_reason          TEXT NOT NULL DEFAULT '',
	evaluation_duration_ms REAL NOT NULL DEFAULT 0,
	cache_hit              INTEGER NOT NULL DEFAULT 0,
	client_ip              TEXT NOT NULL DEFAULT '',
	request_id             TEXT NOT NULL DEFAULT '',
	session_id             TEXT NOT NULL DEFAULT '',
	mfa_verified           INTEGER NOT NULL DEFAULT 0,
	mfa_method             TEXT NOT NULL DEFAULT '',
	time_based_allowed     INTEGER NOT NULL DEFAULT 0,
	ip_filtering_allowed   INTEGER NOT NULL DEFAULT 0,
	mfa_required_satisfied INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_decision_logs_time        ON decision_logs(timestamp_us DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_decision_logs_user        ON decision_logs(user_id, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decision_logs_action      ON decision_logs(action, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decision_logs_result      ON decision_logs(result, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decision_logs_sensitivity ON decision_logs(sensitivity_level, timestamp_us);
`

// NewSQLiteStore opens (or creates) the SQLite audit database at path
// and applies the schema. The handle runs in WAL mode with a busy
// timeout so the writer goroutine and admin queries coexist.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit store: %w", err)
	}

	// SQLite is single-writer; one shared connection lets database/sql
	// serialize callers instead of them fighting for the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite audit schema: %w", err)
	}

	logger.Info("sqlite audit store ready", "path", path)
	return newSQLStore(db, dialectSQLite, logger), nil
}
