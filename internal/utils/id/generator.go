package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID generates a new session identifier with a stable prefix for display.
func NewSessionID() string {
	return newIdentifier("session")
}

// NewEventID generates an identifier for an event log entry.
func NewEventID() string {
	return newIdentifier("evt")
}

// NewPatchSetID generates an identifier for a recorded patch set.
func NewPatchSetID() string {
	return newIdentifier("patch")
}

// NewFactID generates an identifier for a truth fact.
func NewFactID() string {
	return newIdentifier("fact")
}

// NewBlockerID generates an identifier for a task blocker.
func NewBlockerID() string {
	return newIdentifier("blocker")
}

// NewEvidenceID generates an identifier for a ledger evidence row.
func NewEvidenceID() string {
	return newIdentifier("evd")
}

// NewUnitID generates an identifier for a memory unit.
func NewUnitID() string {
	return newIdentifier("unit")
}

// newIdentifier returns a prefixed, time-ordered identifier. UUIDv7 keeps ids
// lexicographically sortable by creation time, which the event log relies on
// for human inspection only (ordering is insertion order, never id order).
func newIdentifier(prefix string) string {
	v7, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is exhausted; fall back to v4.
		v7 = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, v7.String())
}
