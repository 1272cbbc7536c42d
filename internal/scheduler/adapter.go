// Package scheduler drives task pipelines stage by stage over pluggable
// source adapters and records failures on the task row.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// ErrNoAdapter is returned for a task type nobody registered
var ErrNoAdapter = errors.New("scheduler: no adapter registered")

// Row is one source record handed from Extract to Load
type Row struct {
	ID   int64
	Data any
}

// Adapter is the per-source side of a pipeline.
//
// Extract returns at most window rows of stage with after < id <= upTo in
// increasing id order, skipping rows whose completion marker is already set.
// Load upserts one row into the canonical schema, writes the marker back
// onto the source row and returns the canonical id. Loading the same row
// twice must yield the same id and no duplicate canonical rows.
type Adapter interface {
	Pipeline() checkpoint.Pipeline
	ComputeTotal(ctx context.Context, stage checkpoint.Stage) (int64, error)
	Extract(ctx context.Context, stage checkpoint.Stage, after, upTo int64, window int) ([]Row, error)
	Load(ctx context.Context, stage checkpoint.Stage, row Row) (int64, error)
}

// Registry maps task types to their adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[task.Type]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[task.Type]Adapter)}
}

// Register binds an adapter to a task type, replacing any previous one
func (r *Registry) Register(ty task.Type, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[ty] = a
}

// Lookup returns the adapter for ty
func (r *Registry) Lookup(ty task.Type) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[ty]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, ty)
	}
	return a, nil
}

// Has reports whether ty has an adapter
func (r *Registry) Has(ty task.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[ty]
	return ok
}
