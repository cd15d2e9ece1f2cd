package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"coalesce/core"
)

// activeStatusPlaceholders renders the active-status set for IN clauses.
func activeStatusArgs() (string, []interface{}) {
	placeholders := make([]string, len(core.ActiveAlertStatuses))
	args := make([]interface{}, len(core.ActiveAlertStatuses))
	for i, st := range core.ActiveAlertStatuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

const alertColumns = `id, alert_id, fingerprint, rule_id, level, title, content, item,
	resource_id, resource_type, resource_name, source_name, status, assignee,
	first_event_time, last_event_time, created_at, updated_at`

// FindActiveAlertTx loads the active alert for (fingerprint, rule_id)
// inside the caller's write transaction, so the read and the following
// update happen under the same writer lock. ErrNotFound means no active
// alert exists and the caller should insert.
func (s *SQLite) FindActiveAlertTx(ctx context.Context, tx *sql.Tx, fingerprint, ruleID string) (*core.Alert, error) {
	placeholders, args := activeStatusArgs()
	query := fmt.Sprintf(`SELECT %s FROM alerts
		WHERE fingerprint = ? AND rule_id = ? AND status IN (%s)`, alertColumns, placeholders)

	row := tx.QueryRowContext(ctx, query, append([]interface{}{fingerprint, ruleID}, args...)...)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active alert for %s/%s: %w", fingerprint, ruleID, err)
	}

	alert.EventIDs, err = alertEventIDsTx(ctx, tx, alert.AlertID)
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// InsertAlertTx inserts a new alert with its event associations. A
// uniqueness violation on the active index surfaces to the caller, who
// treats it as having lost the creation race.
func (s *SQLite) InsertAlertTx(ctx context.Context, tx *sql.Tx, alert *core.Alert) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO alerts
			(alert_id, fingerprint, rule_id, level, title, content, item,
			 resource_id, resource_type, resource_name, source_name, status, assignee,
			 first_event_time, last_event_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, alert.Fingerprint, alert.RuleID, alert.Level,
		alert.Title, alert.Content, alert.Item,
		alert.ResourceID, alert.ResourceType, alert.ResourceName, alert.SourceName,
		string(alert.Status), alert.Assignee,
		alert.FirstEventTime.Unix(), alert.LastEventTime.Unix(),
		alert.CreatedAt.Unix(), alert.UpdatedAt.Unix())
	if err != nil {
		return err
	}
	if alert.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read alert row id: %w", err)
	}

	return addAlertEventsTx(ctx, tx, alert.AlertID, alert.EventIDs)
}

// UpdateAlertTx persists a merged alert: level, time span, content and the
// union of member events. Membership inserts are idempotent.
func (s *SQLite) UpdateAlertTx(ctx context.Context, tx *sql.Tx, alert *core.Alert) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE alerts SET
			level = ?, title = ?, content = ?,
			first_event_time = ?, last_event_time = ?, updated_at = ?
		WHERE alert_id = ?`,
		alert.Level, alert.Title, alert.Content,
		alert.FirstEventTime.Unix(), alert.LastEventTime.Unix(), alert.UpdatedAt.Unix(),
		alert.AlertID)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.AlertID, err)
	}
	return addAlertEventsTx(ctx, tx, alert.AlertID, alert.EventIDs)
}

func addAlertEventsTx(ctx context.Context, tx *sql.Tx, alertID string, eventIDs []string) error {
	for _, eventID := range eventIDs {
		if eventID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO alert_events (alert_id, event_id) VALUES (?, ?)`,
			alertID, eventID)
		if err != nil {
			return fmt.Errorf("failed to attach event %s to alert %s: %w", eventID, alertID, err)
		}
	}
	return nil
}

func alertEventIDsTx(ctx context.Context, tx *sql.Tx, alertID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT event_id FROM alert_events WHERE alert_id = ? ORDER BY event_id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAlert loads one alert with its member events, outside any transaction.
func (s *SQLite) GetAlert(ctx context.Context, alertID string) (*core.Alert, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM alerts WHERE alert_id = ?`, alertColumns), alertID)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}

	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT event_id FROM alert_events WHERE alert_id = ? ORDER BY event_id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		alert.EventIDs = append(alert.EventIDs, id)
	}
	return alert, rows.Err()
}

// AssignAlert hands an unassigned alert to a user and moves it to pending.
// An alert that is no longer unassigned is left alone; ErrNotFound tells the
// caller the assignment did not take.
func (s *SQLite) AssignAlert(ctx context.Context, alertID, assignee string) error {
	return s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts SET assignee = ?, status = ?, updated_at = ?
			WHERE alert_id = ? AND status = ?`,
			assignee, string(core.AlertStatusPending), time.Now().Unix(),
			alertID, string(core.AlertStatusUnassigned))
		if err != nil {
			return fmt.Errorf("failed to assign alert %s: %w", alertID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("alert %s not unassigned: %w", alertID, ErrNotFound)
		}
		return nil
	})
}

// AlertsByFingerprint returns every alert for a fingerprint, newest first.
func (s *SQLite) AlertsByFingerprint(ctx context.Context, fingerprint string) ([]*core.Alert, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM alerts WHERE fingerprint = ? ORDER BY created_at DESC, id DESC`,
			alertColumns), fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts by fingerprint: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var a core.Alert
	var status string
	var firstEvent, lastEvent, createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.AlertID, &a.Fingerprint, &a.RuleID, &a.Level,
		&a.Title, &a.Content, &a.Item,
		&a.ResourceID, &a.ResourceType, &a.ResourceName, &a.SourceName, &status, &a.Assignee,
		&firstEvent, &lastEvent, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = core.AlertStatus(status)
	a.FirstEventTime = time.Unix(firstEvent, 0).UTC()
	a.LastEventTime = time.Unix(lastEvent, 0).UTC()
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}
