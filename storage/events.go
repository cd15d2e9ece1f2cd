package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coalesce/core"
)

const eventColumns = `event_id, external_id, item, received_at, status, level,
	source_id, source_name, title, description, rule_id,
	resource_id, resource_type, resource_name, value`

// InsertEvents stores a batch of raw events. Duplicate event ids are
// ignored; collectors may redeliver.
func (s *SQLite) InsertEvents(ctx context.Context, events []*core.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO events (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventColumns))
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx,
				ev.EventID, ev.ExternalID, ev.Item, ev.ReceivedAt.Unix(), string(ev.Status), ev.Level,
				ev.SourceID, ev.SourceName, ev.Title, ev.Description, ev.RuleID,
				ev.ResourceID, ev.ResourceType, ev.ResourceName, ev.Value); err != nil {
				return fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
			}
		}
		return nil
	})
}

// EventsInRange returns events with received_at in [from, to), ordered by
// received_at. Shielded events and events already attached to an active
// alert are excluded; resolved alerts release their events for re-match.
func (s *SQLite) EventsInRange(ctx context.Context, from, to time.Time) ([]*core.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM events e
		WHERE e.received_at >= ? AND e.received_at < ?
		  AND e.status != ?
		  AND NOT EXISTS (
			SELECT 1 FROM alert_events ae
			JOIN alerts a ON a.alert_id = ae.alert_id
			WHERE ae.event_id = e.event_id
			  AND a.status IN ('unassigned', 'pending', 'processing')
		  )
		ORDER BY e.received_at`, eventColumns)

	rows, err := s.ReadDB.QueryContext(ctx, query, from.Unix(), to.Unix(), string(core.EventStatusShielded))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByID returns the named events in received_at order. Used by session
// materialization, which alerts on a session's accumulated events.
func (s *SQLite) EventsByID(ctx context.Context, eventIDs []string) ([]*core.Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`SELECT %s FROM events WHERE event_id IN (%s) ORDER BY received_at`,
		eventColumns, placeholders)
	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by id: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*core.Event, error) {
	var events []*core.Event
	for rows.Next() {
		var ev core.Event
		var receivedAt int64
		var status string
		if err := rows.Scan(
			&ev.EventID, &ev.ExternalID, &ev.Item, &receivedAt, &status, &ev.Level,
			&ev.SourceID, &ev.SourceName, &ev.Title, &ev.Description, &ev.RuleID,
			&ev.ResourceID, &ev.ResourceType, &ev.ResourceName, &ev.Value); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		ev.Status = core.EventStatus(status)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event iteration failed: %w", err)
	}
	return events, nil
}
