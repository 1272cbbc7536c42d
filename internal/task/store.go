package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrConflict means the version predicate matched no row: another writer won.
	ErrConflict = errors.New("task: optimistic lock conflict")
	// ErrNotFound means no row exists for the task type.
	ErrNotFound = errors.New("task: not found")
)

// Mutation changes a task in place before it is written back
type Mutation func(t *Task)

// Store defines the interface for task persistence
type Store interface {
	// Get returns the row for a task type or ErrNotFound
	Get(ctx context.Context, ty Type) (*Task, error)
	// GetOrCreate returns the row for a task type, inserting an inactive one if absent
	GetOrCreate(ctx context.Context, ty Type) (*Task, error)
	// List returns every stored task row
	List(ctx context.Context) ([]*Task, error)
	// Update applies mutate to a copy of cur and writes it conditionally on
	// cur.Version, returning the stored row with the bumped version.
	// Returns ErrConflict when the row changed since cur was read.
	Update(ctx context.Context, cur *Task, mutate Mutation) (*Task, error)

	Close() error
}

// next builds the row to write for an optimistic update
func next(cur *Task, mutate Mutation, now time.Time) *Task {
	n := cur.Clone()
	if mutate != nil {
		mutate(n)
	}
	n.ID = cur.ID
	n.Type = cur.Type
	n.Version = cur.Version + 1
	n.Created = cur.Created
	n.Modified = now
	return n
}

func newTask(ty Type, now time.Time) *Task {
	return &Task{
		Version:  1,
		Type:     ty,
		Active:   false,
		Created:  now,
		Modified: now,
	}
}

// SetContext stores a checkpoint payload; nil clears it
func SetContext(raw json.RawMessage) Mutation {
	return func(t *Task) {
		if isNullJSON(raw) {
			t.Context = nil
			return
		}
		t.Context = append(json.RawMessage(nil), raw...)
	}
}

// Activate marks the task runnable. With reset the checkpoint is dropped.
func Activate(reset bool) Mutation {
	return func(t *Task) {
		t.Active = true
		if reset {
			t.Context = nil
		}
	}
}

// Deactivate stops the task without touching its checkpoint
func Deactivate() Mutation {
	return func(t *Task) {
		t.Active = false
	}
}

// Fail deactivates the task and records the cause
func Fail(cause string) Mutation {
	return func(t *Task) {
		t.Active = false
		t.ErrorCause = &cause
		t.ErrorCount++
	}
}

// Complete deactivates the task and clears the last error cause
func Complete() Mutation {
	return func(t *Task) {
		t.Active = false
		t.ErrorCause = nil
	}
}

// StartRun counts one more activation
func StartRun() Mutation {
	return func(t *Task) {
		t.RunCount++
	}
}
