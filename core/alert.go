package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertStatus represents the lifecycle status of an alert.
type AlertStatus string

const (
	// AlertStatusUnassigned indicates a new alert with no assigned handler.
	AlertStatusUnassigned AlertStatus = "unassigned"
	// AlertStatusPending indicates an alert waiting for its handler to respond.
	AlertStatusPending AlertStatus = "pending"
	// AlertStatusProcessing indicates an alert being worked on.
	AlertStatusProcessing AlertStatus = "processing"
	// AlertStatusResolved indicates the condition cleared.
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusClosed indicates a terminally closed alert.
	AlertStatusClosed AlertStatus = "closed"
)

// ActiveAlertStatuses is the set of statuses in which an alert still absorbs
// new events. The at-most-one-active invariant is scoped to this set: for a
// given (fingerprint, rule_id) at most one alert may be in any of these
// states at a time.
var ActiveAlertStatuses = []AlertStatus{
	AlertStatusUnassigned,
	AlertStatusPending,
	AlertStatusProcessing,
}

// String returns the string representation.
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known alert status.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusUnassigned, AlertStatusPending, AlertStatusProcessing,
		AlertStatusResolved, AlertStatusClosed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status is in the active set.
func (s AlertStatus) IsActive() bool {
	for _, a := range ActiveAlertStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Alert is the deduplicated, externally visible unit the engine produces.
// One active alert exists per (fingerprint, rule_id); subsequent matching
// events extend it instead of creating siblings.
type Alert struct {
	ID             int64       `json:"id"`
	AlertID        string      `json:"alert_id"`
	Fingerprint    string      `json:"fingerprint"`
	RuleID         string      `json:"rule_id"`
	Level          int         `json:"level"`
	Title          string      `json:"title"`
	Content        string      `json:"content"`
	Item           string      `json:"item"`
	ResourceID     string      `json:"resource_id"`
	ResourceType   string      `json:"resource_type"`
	ResourceName   string      `json:"resource_name"`
	SourceName     string      `json:"source_name"`
	Status         AlertStatus `json:"status"`
	Assignee       string      `json:"assignee,omitempty"`
	FirstEventTime time.Time   `json:"first_event_time"`
	LastEventTime  time.Time   `json:"last_event_time"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	EventIDs       []string    `json:"event_ids,omitempty"`
}

// NewAlertID generates an alert identifier in the ALERT-<hex> form the
// rest of the product keys on.
func NewAlertID() string {
	return "ALERT-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
}
