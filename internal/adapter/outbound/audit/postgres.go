package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// postgresSchema mirrors the SQLite layout with native types. JSON
// columns stay TEXT so both backends share the scan path.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                TEXT PRIMARY KEY,
	timestamp_us      BIGINT NOT NULL,
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
	latency_micros    BIGINT NOT NULL DEFAULT 0,
	details           TEXT,
	siem_forwarded_us BIGINT,
	retention_days    INTEGER NOT NULL,
	expires_us        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_time      ON audit_events(timestamp_us DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_type      ON audit_events(event_type, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON audit_events(principal_id, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_audit_events_forward   ON audit_events(severity, siem_forwarded_us);
CREATE INDEX IF NOT EXISTS idx_audit_events_expiry    ON audit_events(expires_us);

CREATE TABLE IF NOT EXISTS decision_logs (
	id                     TEXT PRIMARY KEY,
	timestamp_us           BIGINT NOT NULL,
	result                 TEXT NOT NULL,
	allow                  BOOLEAN NOT NULL DEFAULT FALSE,
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
	evaluation_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	cache_hit              BOOLEAN NOT NULL DEFAULT FALSE,
	client_ip              TEXT NOT NULL DEFAULT '',
	request_id             TEXT NOT NULL DEFAULT '',
	session_id             TEXT NOT NULL DEFAULT '',
	mfa_verified           BOOLEAN NOT NULL DEFAULT FALSE,
	mfa_method             TEXT NOT NULL DEFAULT '',
	time_based_allowed     BOOLEAN NOT NULL DEFAULT FALSE,
	ip_filtering_allowed   BOOLEAN NOT NULL DEFAULT FALSE,
	mfa_required_satisfied BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_decision_logs_time        ON decision_logs(timestamp_us DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_decision_logs_user        ON decision_logs(user_id, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decision_logs_action      ON decision_logs(action, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decision_logs_result      ON decision_logs(result, timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decision_logs_sensitivity ON decision_logs(sensitivity_level, timestamp_us);
`

// NewPostgresStore connects to PostgreSQL with the given DSN, verifies
// connectivity, and applies the schema.
func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres audit store: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres audit schema: %w", err)
	}

	logger.Info("postgres audit store ready")
	return newSQLStore(db, dialectPostgres, logger), nil
}

// NewPostgresStoreWithDB wraps an existing handle, for tests.
func NewPostgresStoreWithDB(db *sql.DB, logger *slog.Logger) *SQLStore {
	return newSQLStore(db, dialectPostgres, logger)
}
