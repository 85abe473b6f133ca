package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible
// release. Delete history.db to start over.
var ErrSchemaMismatch = errors.New("history schema version mismatch")

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeComplete  Outcome = "complete"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Session is one row of the history table.
type Session struct {
	ID          string
	StartedAt   time.Time
	EndedAt     time.Time
	Outcome     Outcome
	Progress    int
	Epochs      string
	Performance string
	Inference   string
	Error       string
}

// Duration reports how long the session ran. Running sessions report zero.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Recorder is the subset of Store used by the orchestrator.
type Recorder interface {
	Begin(ctx context.Context, id string, startedAt time.Time) error
	Finish(ctx context.Context, session Session) error
}

// Store persists finished and running sessions in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Begin records a running session.
func (s *Store) Begin(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, started_at, outcome) VALUES (?, ?, ?)`,
		id,
		startedAt.UTC().Format(time.RFC3339Nano),
		OutcomeRunning,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Finish stores the final state of a session. Sessions that were never begun
// are inserted.
func (s *Store) Finish(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("session id is empty")
	}
	ended := session.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	started := session.StartedAt
	if started.IsZero() {
		started = ended
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, started_at, ended_at, outcome, progress, epochs, performance, inference, error)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             ended_at = excluded.ended_at,
             outcome = excluded.outcome,
             progress = excluded.progress,
             epochs = excluded.epochs,
             performance = excluded.performance,
             inference = excluded.inference,
             error = excluded.error`,
		session.ID,
		started.UTC().Format(time.RFC3339Nano),
		ended.UTC().Format(time.RFC3339Nano),
		session.Outcome,
		session.Progress,
		nullableString(session.Epochs),
		nullableString(session.Performance),
		nullableString(session.Inference),
		nullableString(session.Error),
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// List returns up to limit sessions, newest first. A non-positive limit
// returns every session.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT id, started_at, ended_at, outcome, progress, epochs, performance, inference, error
              FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Get fetches one session. Missing sessions return nil without error.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, started_at, ended_at, outcome, progress, epochs, performance, inference, error
         FROM sessions WHERE id = ?`,
		id,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		session                                  Session
		started                                  string
		ended, epochs, performance, inference, e sql.NullString
		outcome                                  string
	)
	if err := row.Scan(&session.ID, &started, &ended, &outcome, &session.Progress, &epochs, &performance, &inference, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.Outcome = Outcome(outcome)
	session.StartedAt = parseTime(started)
	if ended.Valid {
		session.EndedAt = parseTime(ended.String)
	}
	session.Epochs = epochs.String
	session.Performance = performance.String
	session.Inference = inference.String
	session.Error = e.String
	return session, nil
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
