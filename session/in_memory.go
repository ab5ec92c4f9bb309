package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
)

// InMemoryStore is a volatile SessionStore implementation storing records in
// a process local map. It is safe for concurrent access. Records are cloned
// on the way in and out to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.SessionRecord
	now      func() time.Time
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.SessionRecord), now: time.Now}
}

// LoadSession returns the most recently used non-temporary record for the tuple.
func (s *InMemoryStore) LoadSession(_ context.Context, userID, workingDirectory, backend string) (*core.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *core.SessionRecord
	for _, rec := range s.sessions {
		if rec.UserID != userID || rec.WorkingDirectory != workingDirectory || rec.Backend != backend {
			continue
		}
		if rec.IsTemporary() {
			continue
		}
		if best == nil || rec.LastUsedAt.After(best.LastUsedAt) {
			best = rec
		}
	}

	if best == nil {
		return nil, core.ErrNotFound
	}

	return best.Clone(), nil
}

// LoadSessionByID returns the record with the given id.
func (s *InMemoryStore) LoadSessionByID(_ context.Context, sessionID string) (*core.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, core.ErrNotFound
	}

	return rec.Clone(), nil
}

// SaveSession stores a clone of the record.
func (s *InMemoryStore) SaveSession(_ context.Context, rec *core.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = rec.Clone()
	return nil
}

// DeleteSession removes a record by id.
func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// DeleteExpired removes records unused for longer than timeout.
func (s *InMemoryStore) DeleteExpired(_ context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	removed := 0
	for id, rec := range s.sessions {
		if rec.LastUsedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}

	return removed, nil
}

// ListSessions returns a user's records, most recently used first.
func (s *InMemoryStore) ListSessions(_ context.Context, userID string) ([]*core.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.SessionRecord, 0)
	for _, rec := range s.sessions {
		if rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })

	return out, nil
}

var _ core.SessionStore = (*InMemoryStore)(nil)
