// Package guard keeps at most one runner per task type inside this process.
package guard

import (
	"sort"
	"sync"
	"time"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// Registry records which task types currently have a runner
type Registry struct {
	mu      sync.Mutex
	running map[task.Type]time.Time
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		running: make(map[task.Type]time.Time),
		now:     time.Now,
	}
}

// RegisterIfNotRunning claims ty. False means another runner holds it and the
// caller must drop its trigger.
func (r *Registry) RegisterIfNotRunning(ty task.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[ty]; ok {
		return false
	}
	r.running[ty] = r.now()
	return true
}

// IsRunning reports whether ty is claimed
func (r *Registry) IsRunning(ty task.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.running[ty]
	return ok
}

// Release frees ty. Releasing an unclaimed type is a no-op.
func (r *Registry) Release(ty task.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.running, ty)
}

// Since returns when ty was claimed
func (r *Registry) Since(ty task.Type) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.running[ty]
	return at, ok
}

// Running lists the claimed types in name order
func (r *Registry) Running() []task.Type {
	r.mu.Lock()
	types := make([]task.Type, 0, len(r.running))
	for ty := range r.running {
		types = append(types, ty)
	}
	r.mu.Unlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
