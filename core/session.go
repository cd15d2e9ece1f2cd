package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CloseReason records why a session window closed.
type CloseReason string

const (
	// CloseReasonNone means the session is still open.
	CloseReasonNone CloseReason = ""
	// CloseReasonTimeout means no activity arrived within the session timeout.
	CloseReasonTimeout CloseReason = "timeout"
	// CloseReasonCloseEvent means an event matched the rule's session-close predicate.
	CloseReasonCloseEvent CloseReason = "close_event"
)

// ClosedBy records which part of the engine closed a session.
type ClosedBy string

const (
	ClosedByNone ClosedBy = ""
	// ClosedByEngine is the lazy timeout close performed during a scan.
	ClosedByEngine ClosedBy = "engine"
	// ClosedByCloseEvent is the explicit close triggered by a matching event.
	ClosedByCloseEvent ClosedBy = "close_event"
)

// SessionWindow is the persistent state of one activity-extended window:
// opened by the first qualifying event, extended by each subsequent one, and
// closed either lazily on timeout or explicitly by a close event. At most one
// session is live per (session_key, rule_id) while active.
type SessionWindow struct {
	ID             int64       `json:"id"`
	SessionID      string      `json:"session_id"`
	SessionKey     string      `json:"session_key"`
	RuleID         string      `json:"rule_id"`
	SessionStart   time.Time   `json:"session_start"`
	LastActivity   time.Time   `json:"last_activity"`
	SessionTimeout int         `json:"session_timeout"` // seconds
	IsActive       bool        `json:"is_active"`
	CloseReason    CloseReason `json:"close_reason,omitempty"`
	CloseTime      *time.Time  `json:"close_time,omitempty"`
	ClosedBy       ClosedBy    `json:"closed_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewSessionID generates a session identifier in the SESSION-<hex> form.
func NewSessionID() string {
	return "SESSION-" + strings.ToUpper(uuid.New().String()[:8])
}

// NewSessionWindow opens a session for the given key and rule at asOf.
func NewSessionWindow(sessionKey, ruleID string, timeout time.Duration, asOf time.Time) *SessionWindow {
	return &SessionWindow{
		SessionID:      NewSessionID(),
		SessionKey:     sessionKey,
		RuleID:         ruleID,
		SessionStart:   asOf,
		LastActivity:   asOf,
		SessionTimeout: int(timeout / time.Second),
		IsActive:       true,
		CreatedAt:      asOf,
		UpdatedAt:      asOf,
	}
}

// Timeout returns the session timeout as a duration.
func (s *SessionWindow) Timeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// Expired reports whether the inactivity timeout has elapsed at asOf.
func (s *SessionWindow) Expired(asOf time.Time) bool {
	return !asOf.Before(s.LastActivity.Add(s.Timeout()))
}

// ShouldClose reports whether the session should be closed at asOf and why.
// Only timeout closes are detected here; explicit closes are driven by
// matching events, not by the clock.
func (s *SessionWindow) ShouldClose(asOf time.Time) (bool, CloseReason) {
	if !s.IsActive {
		return false, CloseReasonNone
	}
	if s.Expired(asOf) {
		return true, CloseReasonTimeout
	}
	return false, CloseReasonNone
}

// Extend advances LastActivity to asOf if the session is still live.
// Returns false when the session is inactive or already expired, in which
// case the caller opens a fresh session instead.
func (s *SessionWindow) Extend(asOf time.Time) bool {
	if !s.IsActive || s.Expired(asOf) {
		return false
	}
	if asOf.After(s.LastActivity) {
		s.LastActivity = asOf
		s.UpdatedAt = asOf
	}
	return true
}

// Close flips the session inactive and records the close metadata. Closing
// an already closed session is a no-op so scans can race benignly.
func (s *SessionWindow) Close(reason CloseReason, by ClosedBy, asOf time.Time) {
	if !s.IsActive {
		return
	}
	s.IsActive = false
	s.CloseReason = reason
	s.ClosedBy = by
	t := asOf
	s.CloseTime = &t
	s.UpdatedAt = asOf
}
