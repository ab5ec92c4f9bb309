package core

import (
	"context"
	"strings"
	"time"
)

// TemporarySessionPrefix marks locally generated session identifiers. Such ids
// are never sent to a backend as a resume token.
const TemporarySessionPrefix = "temp_"

// IsTemporaryID reports whether id is a local placeholder.
func IsTemporaryID(id string) bool { return strings.HasPrefix(id, TemporarySessionPrefix) }

// SessionState is the lifecycle position of a SessionRecord.
//
//	none -> temporary -> promoted -> (active | expired)
type SessionState string

const (
	SessionNone      SessionState = "none"
	SessionTemporary SessionState = "temporary"
	SessionPromoted  SessionState = "promoted"
	SessionActive    SessionState = "active"
	SessionExpired   SessionState = "expired"
)

// Resumable reports whether a record in this state may be handed to a backend
// for resumption.
func (s SessionState) Resumable() bool {
	return s == SessionPromoted || s == SessionActive
}

// SessionRecord is the durable counterpart of a backend conversation, keyed by
// (user, working directory, backend).
type SessionRecord struct {
	SessionID        string       `json:"session_id"`
	UserID           string       `json:"user_id"`
	WorkingDirectory string       `json:"working_directory"`
	Backend          string       `json:"backend"`
	State            SessionState `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
	LastUsedAt       time.Time    `json:"last_used_at"`
	TotalCost        float64      `json:"total_cost"`
	TotalTurns       int          `json:"total_turns"`
	MessageCount     int          `json:"message_count"`
}

// IsTemporary reports whether the record still carries a placeholder id.
func (r *SessionRecord) IsTemporary() bool { return IsTemporaryID(r.SessionID) }

// Clone returns a copy safe for independent mutation.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SessionStore is the durable backing of the session registry. Failures are
// reported to the caller and never retried transparently.
type SessionStore interface {
	// LoadSession returns the most recently used record for the tuple or
	// ErrNotFound. Temporary records are never returned.
	LoadSession(ctx context.Context, userID, workingDirectory, backend string) (*SessionRecord, error)
	// LoadSessionByID returns the record with the given id or ErrNotFound.
	LoadSessionByID(ctx context.Context, sessionID string) (*SessionRecord, error)
	// SaveSession inserts or replaces the record identified by SessionID.
	SaveSession(ctx context.Context, rec *SessionRecord) error
	// DeleteSession removes a record by id. Deleting a missing id is not an error.
	DeleteSession(ctx context.Context, sessionID string) error
	// DeleteExpired removes records whose last use is older than timeout and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, timeout time.Duration) (int, error)
	// ListSessions returns all records of a user, most recently used first.
	ListSessions(ctx context.Context, userID string) ([]*SessionRecord, error)
}
