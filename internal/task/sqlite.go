package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite task store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL + busy timeout so the listener and the runners can share the file
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)&_pragma=foreign_keys(1)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:  db,
		now: utcNow,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS schedule_task (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER NOT NULL,
		ty TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 0,
		context TEXT,
		run_count INTEGER NOT NULL DEFAULT 0,
		error_cause TEXT,
		error_count INTEGER NOT NULL DEFAULT 0,
		created DATETIME NOT NULL,
		modified DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_task_active ON schedule_task(active);
	`

	_, err := s.db.Exec(query)
	return err
}

const sqliteColumns = `id, version, ty, active, context, run_count, error_cause, error_count, created, modified`

// Get retrieves a task row with retry mechanism
func (s *SQLiteStore) Get(ctx context.Context, ty Type) (*Task, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("database store is closed")
	}

	var result *Task
	err := s.retryOnBusy(ctx, func() error {
		var err error
		result, err = s.getInternal(ctx, ty)
		return err
	})
	return result, err
}

func (s *SQLiteStore) getInternal(ctx context.Context, ty Type) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM schedule_task WHERE ty = ?`, string(ty))
	t, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetOrCreate inserts an inactive row for the type if none exists
func (s *SQLiteStore) GetOrCreate(ctx context.Context, ty Type) (*Task, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("database store is closed")
	}

	s.writeMu.Lock()
	err := s.retryOnBusy(ctx, func() error {
		t := newTask(ty, s.now())
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_task (version, ty, active, context, run_count, error_cause, error_count, created, modified)
		VALUES (?, ?, 0, NULL, 0, NULL, 0, ?, ?)
		ON CONFLICT(ty) DO NOTHING
		`, t.Version, string(t.Type), t.Created, t.Modified)
		return err
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to insert task %s: %w", ty, err)
	}

	return s.Get(ctx, ty)
}

// List returns all task rows ordered by id
func (s *SQLiteStore) List(ctx context.Context) ([]*Task, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("database store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM schedule_task ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// Update writes the mutated row only if the stored version still equals cur.Version
func (s *SQLiteStore) Update(ctx context.Context, cur *Task, mutate Mutation) (*Task, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("database store is closed")
	}
	if cur == nil || cur.ID == 0 {
		return nil, fmt.Errorf("update requires a stored task")
	}

	n := next(cur, mutate, s.now())

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_task
		SET version = ?, active = ?, context = ?, run_count = ?, error_cause = ?, error_count = ?, modified = ?
		WHERE id = ? AND version = ?
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
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", cur.Type, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s at version %d", ErrConflict, cur.Type, cur.Version)
	}

	return n, nil
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		// Wait with exponential backoff + jitter
		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Task, error) {
	var (
		t          Task
		ty         string
		taskCtx    sql.NullString
		errorCause sql.NullString
	)

	err := row.Scan(
		&t.ID,
		&t.Version,
		&ty,
		&t.Active,
		&taskCtx,
		&t.RunCount,
		&errorCause,
		&t.ErrorCount,
		&t.Created,
		&t.Modified,
	)
	if err != nil {
		return nil, err
	}

	t.Type = Type(ty)
	if taskCtx.Valid && taskCtx.String != "" {
		t.Context = json.RawMessage(taskCtx.String)
	}
	if errorCause.Valid {
		cause := errorCause.String
		t.ErrorCause = &cause
	}

	return &t, nil
}

func nullableJSON(raw json.RawMessage) any {
	if isNullJSON(raw) {
		return nil
	}
	return string(raw)
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}
