package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// memAdapter is an in-memory source plus canonical store with linkback markers
type memAdapter struct {
	mu       sync.Mutex
	pipeline checkpoint.Pipeline

	source    map[checkpoint.Stage][]int64
	linked    map[checkpoint.Stage]map[int64]int64
	canonical map[string]int64
	nextID    int64

	loads        int
	extractCalls int
	failOnce     map[int64]error
	dropLinkback map[int64]bool
	onExtract    func(call int) error
}

func newMemAdapter(pipeline checkpoint.Pipeline) *memAdapter {
	return &memAdapter{
		pipeline:     pipeline,
		source:       make(map[checkpoint.Stage][]int64),
		linked:       make(map[checkpoint.Stage]map[int64]int64),
		canonical:    make(map[string]int64),
		failOnce:     make(map[int64]error),
		dropLinkback: make(map[int64]bool),
	}
}

func (m *memAdapter) seed(stage checkpoint.Stage, from, to int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := from; id <= to; id++ {
		m.source[stage] = append(m.source[stage], id)
	}
	sort.Slice(m.source[stage], func(i, j int) bool { return m.source[stage][i] < m.source[stage][j] })
}

func (m *memAdapter) markLinked(stage checkpoint.Stage, from, to int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := from; id <= to; id++ {
		m.upsertLocked(stage, id)
	}
}

func (m *memAdapter) Pipeline() checkpoint.Pipeline { return m.pipeline }

func (m *memAdapter) ComputeTotal(_ context.Context, stage checkpoint.Stage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.source[stage]
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1], nil
}

func (m *memAdapter) Extract(_ context.Context, stage checkpoint.Stage, after, upTo int64, window int) ([]Row, error) {
	m.mu.Lock()
	m.extractCalls++
	call := m.extractCalls
	hook := m.onExtract
	m.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []Row
	for _, id := range m.source[stage] {
		if id <= after || id > upTo {
			continue
		}
		if _, done := m.linked[stage][id]; done {
			continue
		}
		rows = append(rows, Row{ID: id})
		if len(rows) == window {
			break
		}
	}
	return rows, nil
}

func (m *memAdapter) Load(_ context.Context, stage checkpoint.Stage, row Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++

	if err, ok := m.failOnce[row.ID]; ok {
		delete(m.failOnce, row.ID)
		return 0, err
	}

	targetID := m.upsertLocked(stage, row.ID)
	if m.dropLinkback[row.ID] {
		delete(m.linked[stage], row.ID)
	}
	return targetID, nil
}

func (m *memAdapter) upsertLocked(stage checkpoint.Stage, id int64) int64 {
	key := fmt.Sprintf("%s/%d", stage, id)
	targetID, ok := m.canonical[key]
	if !ok {
		m.nextID++
		targetID = m.nextID
		m.canonical[key] = targetID
	}
	if m.linked[stage] == nil {
		m.linked[stage] = make(map[int64]int64)
	}
	m.linked[stage][id] = targetID
	return targetID
}

func (m *memAdapter) canonicalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.canonical)
}

func (m *memAdapter) snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.canonical))
	for k, v := range m.canonical {
		out[k] = v
	}
	return out
}

func (m *memAdapter) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// recordingObserver keeps every checkpoint write
type recordingObserver struct {
	mu      sync.Mutex
	saved   []checkpoint.Checkpoint
	results []string
	failed  int
}

func (o *recordingObserver) StageEntered(task.Type, checkpoint.Checkpoint) {}

func (o *recordingObserver) RowLoaded(task.Type, checkpoint.Stage, time.Duration) {}

func (o *recordingObserver) RowFailed(task.Type, checkpoint.Stage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recordingObserver) Checkpointed(_ task.Type, cp checkpoint.Checkpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saved = append(o.saved, cp)
}

func (o *recordingObserver) RunFinished(_ task.Type, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func newTaskStore(t *testing.T) task.Store {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func activate(t *testing.T, store task.Store, ty task.Type, reset bool) *task.Task {
	t.Helper()
	ctx := context.Background()
	cur, err := store.GetOrCreate(ctx, ty)
	require.NoError(t, err)
	cur, err = store.Update(ctx, cur, task.Activate(reset))
	require.NoError(t, err)
	return cur
}

func storedCheckpoint(t *testing.T, store task.Store, ty task.Type, p checkpoint.Pipeline) (*task.Task, *checkpoint.Checkpoint) {
	t.Helper()
	cur, err := store.Get(context.Background(), ty)
	require.NoError(t, err)
	cp, err := checkpoint.Decode(p, cur.Context)
	require.NoError(t, err)
	return cur, cp
}
