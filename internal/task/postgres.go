package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Schema for the PostgreSQL backend. Applied by Migrate.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS schedule_task (
	id BIGSERIAL PRIMARY KEY,
	version BIGINT NOT NULL,
	ty VARCHAR(32) NOT NULL UNIQUE,
	active BOOLEAN NOT NULL DEFAULT FALSE,
	context JSONB,
	run_count BIGINT NOT NULL DEFAULT 0,
	error_cause TEXT,
	error_count BIGINT NOT NULL DEFAULT 0,
	created TIMESTAMPTZ NOT NULL,
	modified TIMESTAMPTZ NOT NULL
)`

// PostgresStore implements Store on a PostgreSQL schedule_task table
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type pgTask struct {
	ID         int64              `db:"id"`
	Version    int64              `db:"version"`
	Type       string             `db:"ty"`
	Active     bool               `db:"active"`
	Context    types.NullJSONText `db:"context"`
	RunCount   int64              `db:"run_count"`
	ErrorCause sql.NullString     `db:"error_cause"`
	ErrorCount int64              `db:"error_count"`
	Created    time.Time          `db:"created"`
	Modified   time.Time          `db:"modified"`
}

func (r pgTask) toTask() *Task {
	t := &Task{
		ID:         r.ID,
		Version:    r.Version,
		Type:       Type(r.Type),
		Active:     r.Active,
		RunCount:   r.RunCount,
		ErrorCount: r.ErrorCount,
		Created:    r.Created,
		Modified:   r.Modified,
	}
	if r.Context.Valid && !isNullJSON(json.RawMessage(r.Context.JSONText)) {
		t.Context = json.RawMessage(append([]byte(nil), r.Context.JSONText...))
	}
	if r.ErrorCause.Valid {
		cause := r.ErrorCause.String
		t.ErrorCause = &cause
	}
	return t
}

// NewPostgresStore wraps an open connection. The table must exist, see Migrate.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: utcNow}
}

// Migrate creates the schedule_task table if it is missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schedule_task: %w", err)
	}
	return nil
}

const pgColumns = `id, version, ty, active, context, run_count, error_cause, error_count, created, modified`

// Get returns the row for a task type
func (s *PostgresStore) Get(ctx context.Context, ty Type) (*Task, error) {
	var row pgTask
	err := s.db.GetContext(ctx, &row, `SELECT `+pgColumns+` FROM schedule_task WHERE ty = $1`, string(ty))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", ty, err)
	}
	return row.toTask(), nil
}

// GetOrCreate inserts an inactive row when absent and returns the stored row
func (s *PostgresStore) GetOrCreate(ctx context.Context, ty Type) (*Task, error) {
	t := newTask(ty, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_task (version, ty, active, run_count, error_count, created, modified)
		VALUES ($1, $2, FALSE, 0, 0, $3, $4)
		ON CONFLICT (ty) DO NOTHING
	`, t.Version, string(t.Type), t.Created, t.Modified)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task %s: %w", ty, err)
	}
	return s.Get(ctx, ty)
}

// List returns every row ordered by id
func (s *PostgresStore) List(ctx context.Context) ([]*Task, error) {
	var rows []pgTask
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+pgColumns+` FROM schedule_task ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// Update is the version compare-and-swap write
func (s *PostgresStore) Update(ctx context.Context, cur *Task, mutate Mutation) (*Task, error) {
	if cur == nil || cur.ID == 0 {
		return nil, fmt.Errorf("update requires a stored task")
	}
	n := next(cur, mutate, s.now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_task
		SET version = $1, active = $2, context = $3, run_count = $4,
			error_cause = $5, error_count = $6, modified = $7
		WHERE id = $8 AND version = $9
	`,
		n.Version,
		n.Active,
		nullableJSON(n.Context),
		n.RunCount,
		nullableString(n.ErrorCause),
		n.ErrorCount,
		n.Modified,
		n.ID,
		cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", cur.Type, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", cur.Type, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s at version %d", ErrConflict, cur.Type, cur.Version)
	}
	return n, nil
}

// Close closes the underlying pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
