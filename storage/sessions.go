package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coalesce/core"
)

const sessionColumns = `id, session_id, session_key, rule_id, session_start, last_activity,
	session_timeout, is_active, close_reason, close_time, closed_by, created_at, updated_at`

// ActiveSessionTx loads the live session for (session_key, rule_id) inside
// the caller's write transaction. ErrNotFound means no live session exists.
func (s *SQLite) ActiveSessionTx(ctx context.Context, tx *sql.Tx, sessionKey, ruleID string) (*core.SessionWindow, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM session_windows
		WHERE session_key = ? AND rule_id = ? AND is_active = 1`, sessionColumns),
		sessionKey, ruleID)

	sw, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s/%s: %w", sessionKey, ruleID, err)
	}
	return sw, nil
}

// LatestSessionTx loads the most recent session row for (session_key,
// rule_id) regardless of its active flag. ErrNotFound means the key has no
// session history. Used to keep re-observed events from reopening a window
// they belong to: an event at or before the last close time is history, not
// new activity.
func (s *SQLite) LatestSessionTx(ctx context.Context, tx *sql.Tx, sessionKey, ruleID string) (*core.SessionWindow, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM session_windows
		WHERE session_key = ? AND rule_id = ?
		ORDER BY id DESC LIMIT 1`, sessionColumns),
		sessionKey, ruleID)

	sw, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest session %s/%s: %w", sessionKey, ruleID, err)
	}
	return sw, nil
}

// InsertSessionTx creates a session row. A uniqueness violation on the
// live-session index means another evaluation opened it first; the caller
// re-reads and extends instead.
func (s *SQLite) InsertSessionTx(ctx context.Context, tx *sql.Tx, sw *core.SessionWindow) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO session_windows
			(session_id, session_key, rule_id, session_start, last_activity,
			 session_timeout, is_active, close_reason, closed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.SessionID, sw.SessionKey, sw.RuleID,
		sw.SessionStart.Unix(), sw.LastActivity.Unix(), sw.SessionTimeout,
		boolToInt(sw.IsActive), string(sw.CloseReason), string(sw.ClosedBy),
		sw.CreatedAt.Unix(), sw.UpdatedAt.Unix())
	if err != nil {
		return err
	}
	if sw.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read session row id: %w", err)
	}
	return nil
}

// UpdateSessionTx persists activity extension or close metadata.
func (s *SQLite) UpdateSessionTx(ctx context.Context, tx *sql.Tx, sw *core.SessionWindow) error {
	var closeTime interface{}
	if sw.CloseTime != nil {
		closeTime = sw.CloseTime.Unix()
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE session_windows SET
			last_activity = ?, is_active = ?,
			close_reason = ?, close_time = ?, closed_by = ?, updated_at = ?
		WHERE session_id = ?`,
		sw.LastActivity.Unix(), boolToInt(sw.IsActive),
		string(sw.CloseReason), closeTime, string(sw.ClosedBy), sw.UpdatedAt.Unix(),
		sw.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sw.SessionID, err)
	}
	return nil
}

// AddSessionEventTx records session membership. INSERT OR IGNORE keeps the
// add idempotent: the same event observed on a later tick is a no-op.
func (s *SQLite) AddSessionEventTx(ctx context.Context, tx *sql.Tx, sessionID, eventID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_events (session_id, event_id) VALUES (?, ?)`,
		sessionID, eventID)
	if err != nil {
		return fmt.Errorf("failed to attach event %s to session %s: %w", eventID, sessionID, err)
	}
	return nil
}

// SessionEventIDs returns the accumulated member event ids of a session.
func (s *SQLite) SessionEventIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT event_id FROM session_events WHERE session_id = ? ORDER BY event_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpiredSessions returns live sessions whose inactivity timeout has
// elapsed at asOf. Timeout closes are detected lazily at scan time.
func (s *SQLite) ExpiredSessions(ctx context.Context, ruleID string, asOf time.Time) ([]*core.SessionWindow, error) {
	rows, err := s.ReadDB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM session_windows
		WHERE rule_id = ? AND is_active = 1
		  AND last_activity + session_timeout <= ?
		ORDER BY session_start`, sessionColumns),
		ruleID, asOf.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.SessionWindow
	for rows.Next() {
		sw, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sw)
	}
	return sessions, rows.Err()
}

// GetSession loads one session by its session id.
func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*core.SessionWindow, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM session_windows WHERE session_id = ?`, sessionColumns), sessionID)
	sw, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return sw, nil
}

func scanSession(row rowScanner) (*core.SessionWindow, error) {
	var sw core.SessionWindow
	var sessionStart, lastActivity, createdAt, updatedAt int64
	var isActive int
	var closeReason, closedBy string
	var closeTime sql.NullInt64

	err := row.Scan(&sw.ID, &sw.SessionID, &sw.SessionKey, &sw.RuleID,
		&sessionStart, &lastActivity, &sw.SessionTimeout, &isActive,
		&closeReason, &closeTime, &closedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sw.SessionStart = time.Unix(sessionStart, 0).UTC()
	sw.LastActivity = time.Unix(lastActivity, 0).UTC()
	sw.IsActive = isActive == 1
	sw.CloseReason = core.CloseReason(closeReason)
	sw.ClosedBy = core.ClosedBy(closedBy)
	if closeTime.Valid {
		t := time.Unix(closeTime.Int64, 0).UTC()
		sw.CloseTime = &t
	}
	sw.CreatedAt = time.Unix(createdAt, 0).UTC()
	sw.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sw, nil
}
