// Package analytic executes rendered window SQL against a disposable
// in-process table. Each evaluation gets its own in-memory database: events
// are loaded, one statement runs, results come back as rows, and the
// database is torn down. Nothing survives across evaluations.
package analytic

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"coalesce/core"
)

// Row is one result record of an analytical query, keyed by column name.
type Row map[string]interface{}

// Int64 reads an integer column, tolerating the driver's numeric widening.
func (r Row) Int64(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// String reads a text column; non-text values format to their string form.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Engine is one disposable evaluation context. Create with Open, always
// Close, never reuse across rule evaluations.
type Engine struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// eventTableDDL mirrors the event fields rule SQL may reference. Timestamps
// are epoch seconds so window bucketing reduces to integer division.
const eventTableDDL = `
CREATE TABLE events (
	event_id      TEXT NOT NULL,
	external_id   TEXT,
	item          TEXT,
	received_at   INTEGER NOT NULL,
	status        TEXT,
	level         INTEGER,
	source_id     TEXT,
	source_name   TEXT,
	title         TEXT,
	description   TEXT,
	rule_id       TEXT,
	resource_id   TEXT,
	resource_type TEXT,
	resource_name TEXT,
	value         REAL,
	fingerprint   TEXT NOT NULL
)`

// Open creates a fresh in-memory database with the staging table.
func Open(ctx context.Context, logger *zap.SugaredLogger) (*Engine, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open analytical database: %w", err)
	}

	// An in-memory database lives inside one connection; a second
	// connection would see a separate empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, eventTableDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create staging table: %w", err)
	}

	return &Engine{db: db, logger: logger}, nil
}

// LoadEvents inserts the event batch into the staging table in one
// transaction. Fingerprints are computed here so rule SQL can group on them.
func (e *Engine) LoadEvents(ctx context.Context, events []*core.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			event_id, external_id, item, received_at, status, level,
			source_id, source_name, title, description, rule_id,
			resource_id, resource_type, resource_name, value, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			ev.EventID, ev.ExternalID, ev.Item, ev.ReceivedAt.Unix(), string(ev.Status), ev.Level,
			ev.SourceID, ev.SourceName, ev.Title, ev.Description, ev.RuleID,
			ev.ResourceID, ev.ResourceType, ev.ResourceName, ev.Value, ev.Fingerprint())
		if err != nil {
			return fmt.Errorf("failed to load event %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event load: %w", err)
	}

	e.logger.Debugw("Loaded events into analytical table", "count", len(events))
	return nil
}

// Query runs one rendered statement and returns every result row.
func (e *Engine) Query(ctx context.Context, sqlText string) ([]Row, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("analytical query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result iteration failed: %w", err)
	}
	return out, nil
}

// Close tears the in-memory database down.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Evaluate is the scoped one-shot path the window processors use: open,
// load, query, close. Teardown runs on every exit path.
func Evaluate(ctx context.Context, logger *zap.SugaredLogger, events []*core.Event, sqlText string) ([]Row, error) {
	engine, err := Open(ctx, logger)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	if err := engine.LoadEvents(ctx, events); err != nil {
		return nil, err
	}
	return engine.Query(ctx, sqlText)
}
