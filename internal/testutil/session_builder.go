package testutil

import (
	"time"

	"github.com/hupe1980/agentrelay/core"
)

// SessionBuilder helps construct session records with fluent chaining.
// Example:
//
//	rec := NewSessionBuilder("abc123").User("u1").Dir("/work").Backend("claude").Promoted().Build()
//
// Defaults: user "u1", backend "claude", state temporary when the id carries
// the temporary prefix and promoted otherwise, both timestamps now.
type SessionBuilder struct {
	rec core.SessionRecord
}

// NewSessionBuilder creates a builder for a record with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	now := time.Now()
	state := core.SessionPromoted
	if core.IsTemporaryID(id) {
		state = core.SessionTemporary
	}
	return &SessionBuilder{rec: core.SessionRecord{
		SessionID:  id,
		UserID:     "u1",
		Backend:    "claude",
		State:      state,
		CreatedAt:  now,
		LastUsedAt: now,
	}}
}

// User sets the owning user (chainable).
func (b *SessionBuilder) User(id string) *SessionBuilder { b.rec.UserID = id; return b }

// Dir sets the working directory (chainable).
func (b *SessionBuilder) Dir(d string) *SessionBuilder { b.rec.WorkingDirectory = d; return b }

// Backend sets the backend name (chainable).
func (b *SessionBuilder) Backend(name string) *SessionBuilder { b.rec.Backend = name; return b }

// State overrides the lifecycle state (chainable).
func (b *SessionBuilder) State(s core.SessionState) *SessionBuilder { b.rec.State = s; return b }

// Promoted marks the record promoted (chainable).
func (b *SessionBuilder) Promoted() *SessionBuilder { return b.State(core.SessionPromoted) }

// Active marks the record active (chainable).
func (b *SessionBuilder) Active() *SessionBuilder { return b.State(core.SessionActive) }

// LastUsed sets the last use time (chainable).
func (b *SessionBuilder) LastUsed(t time.Time) *SessionBuilder { b.rec.LastUsedAt = t; return b }

// Usage sets accumulated cost, turns and message count (chainable).
func (b *SessionBuilder) Usage(cost float64, turns, messages int) *SessionBuilder {
	b.rec.TotalCost = cost
	b.rec.TotalTurns = turns
	b.rec.MessageCount = messages
	return b
}

// Build returns a fresh *core.SessionRecord.
func (b *SessionBuilder) Build() *core.SessionRecord {
	return b.rec.Clone()
}
