package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes the deterministic identity key for "this condition
// under this rule": sha256 over a fixed-order k=v join of the identifying
// fields. The field order is part of the contract: changing it would detach
// every open alert from its condition.
func Fingerprint(resourceID, item, sourceID, ruleID string) string {
	parts := []string{
		"resource_id=" + resourceID,
		"item=" + item,
		"source_id=" + sourceID,
		"rule_id=" + ruleID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// SessionKeyPrefix prefixes every session key so session identifiers are
// visually distinct from raw fingerprints in logs and storage.
const SessionKeyPrefix = "session-"

// SessionKey derives the session window key for a fingerprint.
func SessionKey(fingerprint string) string {
	return SessionKeyPrefix + fingerprint
}

// FingerprintFromSessionKey recovers the fingerprint from a session key.
// Returns the input unchanged when the prefix is absent.
func FingerprintFromSessionKey(sessionKey string) string {
	return strings.TrimPrefix(sessionKey, SessionKeyPrefix)
}
