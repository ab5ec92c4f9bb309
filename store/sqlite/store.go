package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentrelay/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite store configuration.
type Config struct {
	Path string
	// BusyTimeout is how long a writer waits for a lock. Defaults to 5s.
	BusyTimeout time.Duration
	// MaxOpenConns defaults to 4; in-memory databases always use one.
	MaxOpenConns int
}

// Store implements core.SessionStore and core.ApprovalStore.
type Store struct {
	db *sql.DB
}

var (
	_ core.SessionStore  = (*Store)(nil)
	_ core.ApprovalStore = (*Store)(nil)
)

// Open opens the database, applies pragmas and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}

	dsn := cfg.Path
	if cfg.Path == MemoryPath {
		// Every connection would get its own database.
		cfg.MaxOpenConns = 1
	} else {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.Path == MemoryPath {
		db.SetConnMaxLifetime(0)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `session_id, user_id, working_directory, backend, state,
	created_at, last_used_at, total_cost, total_turns, message_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*core.SessionRecord, error) {
	var (
		rec              core.SessionRecord
		state            string
		created, lastUse int64
	)

	if err := row.Scan(
		&rec.SessionID, &rec.UserID, &rec.WorkingDirectory, &rec.Backend, &state,
		&created, &lastUse, &rec.TotalCost, &rec.TotalTurns, &rec.MessageCount,
	); err != nil {
		return nil, err
	}

	rec.State = core.SessionState(state)
	rec.CreatedAt = time.Unix(0, created)
	rec.LastUsedAt = time.Unix(0, lastUse)

	return &rec, nil
}

// LoadSession returns the most recently used non-temporary record for the tuple.
func (s *Store) LoadSession(ctx context.Context, userID, workingDirectory, backend string) (*core.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND working_directory = ? AND backend = ? AND substr(session_id, 1, ?) <> ?
		ORDER BY last_used_at DESC LIMIT 1`,
		userID, workingDirectory, backend, len(core.TemporarySessionPrefix), core.TemporarySessionPrefix)

	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return rec, nil
}

// LoadSessionByID returns the record with the given id.
func (s *Store) LoadSessionByID(ctx context.Context, sessionID string) (*core.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)

	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	return rec, nil
}

// SaveSession inserts or replaces the record.
func (s *Store) SaveSession(ctx context.Context, rec *core.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			working_directory = excluded.working_directory,
			backend = excluded.backend,
			state = excluded.state,
			last_used_at = excluded.last_used_at,
			total_cost = excluded.total_cost,
			total_turns = excluded.total_turns,
			message_count = excluded.message_count`,
		rec.SessionID, rec.UserID, rec.WorkingDirectory, rec.Backend, string(rec.State),
		rec.CreatedAt.UnixNano(), rec.LastUsedAt.UnixNano(), rec.TotalCost, rec.TotalTurns, rec.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// DeleteSession removes a record by id.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes records unused for longer than timeout.
func (s *Store) DeleteExpired(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}

	return int(n), nil
}

// ListSessions returns a user's records, most recently used first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*core.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? ORDER BY last_used_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*core.SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return out, nil
}

// CreateApproval records a new approval request.
func (s *Store) CreateApproval(ctx context.Context, req core.ApprovalRequest) error {
	input, err := json.Marshal(req.ToolInput)
	if err != nil {
		return fmt.Errorf("failed to encode tool input: %w", err)
	}

	resolution := req.Resolution
	if resolution == "" {
		resolution = core.ResolutionPending
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO approvals
		(request_id, user_id, chat_id, thread_id, session_id, tool_name, tool_input, created_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.Scope.UserID, req.Scope.ChatID, req.Scope.ThreadID, req.SessionID,
		req.ToolName, string(input), req.CreatedAt.UnixNano(), string(resolution),
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	return nil
}

// ResolveApproval records the final resolution of a request.
func (s *Store) ResolveApproval(ctx context.Context, requestID string, resolution core.Resolution, decision core.Decision) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET resolution = ?, decision = ?, resolved_at = ?
		WHERE request_id = ?`,
		string(resolution), string(decision), time.Now().UnixNano(), requestID)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("approval %s: %w", requestID, core.ErrNotFound)
	}

	return nil
}

// ExpireAllPending marks every pending request expired and denied.
func (s *Store) ExpireAllPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET resolution = ?, decision = ?, resolved_at = ?
		WHERE resolution = ?`,
		string(core.ResolutionExpired), string(core.DecisionDeny), time.Now().UnixNano(), string(core.ResolutionPending))
	if err != nil {
		return 0, fmt.Errorf("failed to expire approvals: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired approvals: %w", err)
	}

	return int(n), nil
}

// Approval is a stored approval request with its decision.
type Approval struct {
	core.ApprovalRequest
	Decision   core.Decision
	ResolvedAt time.Time
}

// GetApproval returns a stored approval request.
func (s *Store) GetApproval(ctx context.Context, requestID string) (*Approval, error) {
	var (
		a                 Approval
		input, resolution string
		decision          string
		created           int64
		resolved          sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `SELECT request_id, user_id, chat_id, thread_id, session_id,
		tool_name, tool_input, created_at, resolution, decision, resolved_at
		FROM approvals WHERE request_id = ?`, requestID).Scan(
		&a.RequestID, &a.Scope.UserID, &a.Scope.ChatID, &a.Scope.ThreadID, &a.SessionID,
		&a.ToolName, &input, &created, &resolution, &decision, &resolved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	if err := json.Unmarshal([]byte(input), &a.ToolInput); err != nil {
		return nil, fmt.Errorf("failed to decode tool input: %w", err)
	}

	a.CreatedAt = time.Unix(0, created)
	a.Resolution = core.Resolution(resolution)
	a.Decision = core.Decision(decision)
	if resolved.Valid {
		a.ResolvedAt = time.Unix(0, resolved.Int64)
	}

	return &a, nil
}
