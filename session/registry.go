package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// Options configures a Registry.
type Options struct {
	// Store is the durable backing. Defaults to an in-memory store.
	Store core.SessionStore
	// Timeout is the inactivity period after which a session expires.
	// Zero disables expiry.
	Timeout time.Duration
	// MaxSessionsPerUser caps stored sessions per user; the least recently
	// used ones are evicted when a new session is created. Zero is unlimited.
	MaxSessionsPerUser int
	// Clock returns the current time. Defaults to time.Now.
	Clock  func() time.Time
	Logger logging.Logger
}

// Registry tracks session lifecycles:
//
//	none -> temporary -> promoted -> (active | expired)
//
// Expired sessions are never resumed; a new temporary session is created
// instead. Registry methods mutate the record passed in and persist it;
// persistence errors are returned to the caller.
type Registry struct {
	store      core.SessionStore
	timeout    time.Duration
	maxPerUser int
	now        func() time.Time
	logger     logging.Logger
}

// NewRegistry creates a Registry with optional overrides.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Timeout:            24 * time.Hour,
		MaxSessionsPerUser: 5,
		Clock:              time.Now,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = NewInMemoryStore()
	}

	return &Registry{
		store:      opts.Store,
		timeout:    opts.Timeout,
		maxPerUser: opts.MaxSessionsPerUser,
		now:        opts.Clock,
		logger:     opts.Logger,
	}
}

// Timeout returns the configured inactivity timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Resolve looks up the most recently used, non-expired, non-temporary session
// for the tuple. It returns nil when forceNew is set or nothing matches. A
// stale match is marked expired and removed from the store.
func (r *Registry) Resolve(ctx context.Context, userID, workingDirectory, backend string, forceNew bool) (*core.SessionRecord, error) {
	if forceNew {
		return nil, nil
	}

	rec, err := r.store.LoadSession(ctx, userID, workingDirectory, backend)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if rec.IsTemporary() || rec.State == core.SessionExpired {
		return nil, nil
	}

	if r.ExpireIfStale(rec, r.timeout) {
		r.logger.Info("Session expired", "session_id", rec.SessionID, "backend", backend, "last_used_at", rec.LastUsedAt)
		if err := r.store.DeleteSession(ctx, rec.SessionID); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, nil
	}

	return rec, nil
}

// Lookup returns the resumable record with the given id. It returns nil
// when the id is unknown, temporary or expired. A stale record is marked
// expired and removed from the store.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (*core.SessionRecord, error) {
	if sessionID == "" || core.IsTemporaryID(sessionID) {
		return nil, nil
	}

	rec, err := r.store.LoadSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if rec.IsTemporary() || rec.State == core.SessionExpired {
		return nil, nil
	}

	if r.ExpireIfStale(rec, r.timeout) {
		r.logger.Info("Session expired", "session_id", rec.SessionID, "backend", rec.Backend, "last_used_at", rec.LastUsedAt)
		if err := r.store.DeleteSession(ctx, rec.SessionID); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, nil
	}

	return rec, nil
}

// CreateTemporary allocates a placeholder session for the tuple.
func (r *Registry) CreateTemporary(ctx context.Context, userID, workingDirectory, backend string) (*core.SessionRecord, error) {
	if err := r.enforceLimit(ctx, userID); err != nil {
		return nil, err
	}

	now := r.now()
	rec := &core.SessionRecord{
		SessionID:        core.TemporarySessionPrefix + uuid.NewString(),
		UserID:           userID,
		WorkingDirectory: workingDirectory,
		Backend:          backend,
		State:            core.SessionTemporary,
		CreatedAt:        now,
		LastUsedAt:       now,
	}

	if err := r.store.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save temporary session: %w", err)
	}

	return rec, nil
}

func (r *Registry) enforceLimit(ctx context.Context, userID string) error {
	if r.maxPerUser <= 0 {
		return nil
	}

	recs, err := r.store.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	// recs is most recently used first; keep room for the new one.
	for i := r.maxPerUser - 1; i < len(recs); i++ {
		r.logger.Debug("Evicting session over per-user limit", "session_id", recs[i].SessionID, "user_id", userID)
		if err := r.store.DeleteSession(ctx, recs[i].SessionID); err != nil {
			return fmt.Errorf("failed to evict session: %w", err)
		}
	}

	return nil
}

// Promote replaces the record's id with the backend-issued one. Promoting to
// the id the record already carries is a no-op. An empty id leaves the record
// untouched.
func (r *Registry) Promote(ctx context.Context, rec *core.SessionRecord, backendID string) error {
	if backendID == "" || core.IsTemporaryID(backendID) {
		return nil
	}

	if rec.SessionID == backendID && rec.State != core.SessionTemporary && rec.State != core.SessionNone {
		return nil
	}

	oldID := rec.SessionID
	rec.SessionID = backendID
	if rec.State == core.SessionTemporary || rec.State == core.SessionNone || rec.State == "" {
		rec.State = core.SessionPromoted
	}

	if err := r.store.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("failed to save promoted session: %w", err)
	}

	if oldID != "" && oldID != backendID {
		if err := r.store.DeleteSession(ctx, oldID); err != nil {
			return fmt.Errorf("failed to delete superseded session %s: %w", oldID, err)
		}
	}

	return nil
}

// RecordUsage accumulates cost and turns, counts the message and bumps the
// last use time. A promoted session that is used again becomes active.
func (r *Registry) RecordUsage(ctx context.Context, rec *core.SessionRecord, cost float64, turns int) error {
	rec.TotalCost += cost
	rec.TotalTurns += turns
	rec.MessageCount++
	rec.LastUsedAt = r.now()

	if rec.State == core.SessionPromoted && rec.MessageCount > 1 {
		rec.State = core.SessionActive
	}

	if err := r.store.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("failed to save session usage: %w", err)
	}

	return nil
}

// ExpireIfStale marks rec expired when it was last used more than timeout ago.
func (r *Registry) ExpireIfStale(rec *core.SessionRecord, timeout time.Duration) bool {
	if rec.State == core.SessionExpired {
		return true
	}
	if timeout <= 0 {
		return false
	}
	if r.now().Sub(rec.LastUsedAt) > timeout {
		rec.State = core.SessionExpired
		return true
	}
	return false
}

// Remove deletes rec, e.g. after the backend rejected it as a resume token.
func (r *Registry) Remove(ctx context.Context, rec *core.SessionRecord) error {
	if err := r.store.DeleteSession(ctx, rec.SessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rec.State = core.SessionExpired
	return nil
}

// List returns a user's sessions, most recently used first.
func (r *Registry) List(ctx context.Context, userID string) ([]*core.SessionRecord, error) {
	recs, err := r.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return recs, nil
}

// Cleanup removes expired sessions from the store.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	if r.timeout <= 0 {
		return 0, nil
	}
	n, err := r.store.DeleteExpired(ctx, r.timeout)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	if n > 0 {
		r.logger.Info("Expired sessions removed", "count", n)
	}
	return n, nil
}
