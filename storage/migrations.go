package storage

import "fmt"

// Timestamps are stored as epoch seconds (INTEGER) throughout so window
// arithmetic and expiry checks stay integer comparisons in SQL.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id      TEXT NOT NULL UNIQUE,
		external_id   TEXT NOT NULL DEFAULT '',
		item          TEXT NOT NULL DEFAULT '',
		received_at   INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'received',
		level         INTEGER NOT NULL DEFAULT 3,
		source_id     TEXT NOT NULL DEFAULT '',
		source_name   TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		rule_id       TEXT NOT NULL DEFAULT '',
		resource_id   TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_name TEXT NOT NULL DEFAULT '',
		value         REAL NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)`,

	`CREATE TABLE IF NOT EXISTS aggregation_rules (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id          TEXT NOT NULL UNIQUE,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		severity         TEXT NOT NULL DEFAULT 'warning',
		is_active        INTEGER NOT NULL DEFAULT 1,
		template_title   TEXT NOT NULL DEFAULT '',
		template_content TEXT NOT NULL DEFAULT '',
		condition        TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS correlation_rules (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id         TEXT NOT NULL UNIQUE,
		name            TEXT NOT NULL,
		window_type     TEXT NOT NULL,
		window_size     TEXT NOT NULL DEFAULT '',
		slide_interval  TEXT NOT NULL DEFAULT '',
		session_timeout TEXT NOT NULL DEFAULT '',
		alignment       TEXT NOT NULL DEFAULT '',
		max_window_size TEXT NOT NULL DEFAULT '',
		exec_time       INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS correlation_rule_bindings (
		correlation_rule_id TEXT NOT NULL,
		aggregation_rule_id TEXT NOT NULL,
		PRIMARY KEY (correlation_rule_id, aggregation_rule_id)
	)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id         TEXT NOT NULL UNIQUE,
		fingerprint      TEXT NOT NULL,
		rule_id          TEXT NOT NULL,
		level            INTEGER NOT NULL DEFAULT 3,
		title            TEXT NOT NULL DEFAULT '',
		content          TEXT NOT NULL DEFAULT '',
		item             TEXT NOT NULL DEFAULT '',
		resource_id      TEXT NOT NULL DEFAULT '',
		resource_type    TEXT NOT NULL DEFAULT '',
		resource_name    TEXT NOT NULL DEFAULT '',
		source_name      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'unassigned',
		assignee         TEXT NOT NULL DEFAULT '',
		first_event_time INTEGER NOT NULL,
		last_event_time  INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	// The at-most-one-active invariant, enforced by the database itself:
	// a second insert for the same (fingerprint, rule_id) while one is
	// still active fails with a uniqueness violation.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_alerts_active
		ON alerts(fingerprint, rule_id)
		WHERE status IN ('unassigned', 'pending', 'processing')`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(fingerprint)`,

	`CREATE TABLE IF NOT EXISTS alert_events (
		alert_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		PRIMARY KEY (alert_id, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS session_windows (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id      TEXT NOT NULL UNIQUE,
		session_key     TEXT NOT NULL,
		rule_id         TEXT NOT NULL,
		session_start   INTEGER NOT NULL,
		last_activity   INTEGER NOT NULL,
		session_timeout INTEGER NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 1,
		close_reason    TEXT NOT NULL DEFAULT '',
		close_time      INTEGER,
		closed_by       TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active
		ON session_windows(session_key, rule_id)
		WHERE is_active = 1`,

	`CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		event_id   TEXT NOT NULL,
		PRIMARY KEY (session_id, event_id)
	)`,
}

func (s *SQLite) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.WriteDB.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
