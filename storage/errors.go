package storage

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNoActiveRules indicates no active correlation rules could be read.
	// This is the only storage error that aborts a whole scan.
	ErrNoActiveRules = errors.New("no active correlation rules")
)

// IsUniqueViolation reports whether the error is a uniqueness-constraint
// failure. The insert path treats it as "lost the race" and falls back to
// the update path instead of failing the batch.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
