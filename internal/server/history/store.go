// Package history records kernel executions in SQLite.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pegasus-notebook/pegasus/internal/db"
)

// Execution statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusStopped   = "stopped"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Execution is one recorded run.
type Execution struct {
	ID          string    `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Status      string    `json:"status" db:"status"`
	ExitCode    int       `json:"exit_code" db:"exit_code"`
	OutputBytes int64     `json:"output_bytes" db:"output_bytes"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	DurationMs  int64     `json:"duration_ms" db:"duration_ms"`
}

type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	conn, err := db.OpenSQLiteX(path)
	if err != nil {
		return nil, err
	}
	return newStore(conn, true)
}

// NewStoreWithDB uses an existing connection; Close leaves it open.
func NewStoreWithDB(conn *sqlx.DB) (*Store, error) {
	return newStore(conn, false)
}

func newStore(conn *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: conn, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := conn.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		output_bytes INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Record inserts e, assigning an id and start time when missing.
func (s *Store) Record(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, code, status, exit_code, output_bytes, started_at, duration_ms)
		VALUES (:id, :code, :status, :exit_code, :output_bytes, :started_at, :duration_ms)
	`, e)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// List returns the most recent executions first.
func (s *Store) List(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out := []Execution{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, code, status, exit_code, output_bytes, started_at, duration_ms
		FROM executions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}
