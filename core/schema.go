package core

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus represents the ingest status of a raw event.
type EventStatus string

const (
	// EventStatusReceived is the normal state of a collected event.
	EventStatusReceived EventStatus = "received"
	// EventStatusShielded marks an event suppressed by a shield policy;
	// shielded events are excluded from every window scan.
	EventStatusShielded EventStatus = "shielded"
)

// Event is an immutable observation produced by a collector. The engine only
// ever reads events; it never mutates or deletes them.
//
// Level is numeric with lower values meaning more severe, so level 1 events
// outrank level 3 events when severities are merged into an alert.
type Event struct {
	EventID      string      `json:"event_id"`
	ExternalID   string      `json:"external_id,omitempty"`
	Item         string      `json:"item"`
	ReceivedAt   time.Time   `json:"received_at"`
	Status       EventStatus `json:"status"`
	Level        int         `json:"level"`
	SourceID     string      `json:"source_id"`
	SourceName   string      `json:"source_name"`
	Title        string      `json:"title,omitempty"`
	Description  string      `json:"description,omitempty"`
	RuleID       string      `json:"rule_id"`
	ResourceID   string      `json:"resource_id"`
	ResourceType string      `json:"resource_type"`
	ResourceName string      `json:"resource_name"`
	Value        float64     `json:"value"`
}

// NewEvent creates an Event with a generated UUID and UTC timestamp.
func NewEvent() *Event {
	return &Event{
		EventID:    uuid.New().String(),
		ReceivedAt: time.Now().UTC(),
		Status:     EventStatusReceived,
	}
}

// Fingerprint returns the deterministic identity of this event's monitored
// condition under its rule. Events with the same fingerprint describe the
// same condition and collapse into the same alert.
func (e *Event) Fingerprint() string {
	return Fingerprint(e.ResourceID, e.Item, e.SourceID, e.RuleID)
}
