package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// TaskEntry is one line of the admin listing
type TaskEntry struct {
	Type        task.Type
	Description string
	// Configured reports whether an adapter is registered for the type
	Configured bool
	// Task is nil when the type has never been activated
	Task *task.Task
	// Checkpoint is decoded only for configured types
	Checkpoint *checkpoint.Checkpoint
}

// ListTasks returns every known task type merged with its stored row
func (a *App) ListTasks(ctx context.Context) ([]TaskEntry, error) {
	rows, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	byType := make(map[task.Type]*task.Task, len(rows))
	for _, t := range rows {
		byType[t.Type] = t
	}

	entries := make([]TaskEntry, 0, len(task.Types()))
	for _, ty := range task.Types() {
		e := TaskEntry{
			Type:        ty,
			Description: ty.Description(),
			Configured:  a.adapters.Has(ty),
			Task:        byType[ty],
		}
		if e.Task != nil && e.Task.HasCheckpoint() && e.Configured {
			adapter, _ := a.adapters.Lookup(ty)
			if cp, err := checkpoint.Decode(adapter.Pipeline(), e.Task.Context); err == nil {
				e.Checkpoint = cp
			} else {
				a.logger.Warn("Stored checkpoint is unreadable",
					zap.String("task_type", ty.String()),
					zap.Error(err))
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Activate marks ty active, creating its row if needed, and publishes the
// trigger. With reset the stored checkpoint is dropped first.
func (a *App) Activate(ctx context.Context, ty task.Type, reset bool) (*task.Task, error) {
	if a.publisher == nil {
		return nil, ErrNoTriggerBus
	}
	t, err := a.activate(ctx, ty, reset)
	if err != nil {
		return nil, err
	}

	receivers, err := a.publisher.Publish(ctx, t)
	if err != nil {
		return t, fmt.Errorf("failed to publish trigger for %s: %w", ty, err)
	}
	if receivers == 0 {
		a.logger.Warn("Trigger published but no listener is subscribed; it will run on the next start-up",
			zap.String("task_type", ty.String()))
	} else {
		a.logger.Info("Trigger published",
			zap.String("task_type", ty.String()),
			zap.Int64("receivers", receivers),
			zap.Int64("version", t.Version))
	}
	return t, nil
}

func (a *App) activate(ctx context.Context, ty task.Type, reset bool) (*task.Task, error) {
	cur, err := a.store.GetOrCreate(ctx, ty)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", ty, err)
	}
	t, err := a.store.Update(ctx, cur, task.Activate(reset))
	if err != nil {
		if errors.Is(err, task.ErrConflict) {
			return nil, fmt.Errorf("task %s was modified concurrently, retry: %w", ty, err)
		}
		return nil, fmt.Errorf("failed to activate task %s: %w", ty, err)
	}
	a.logger.Info("Task activated",
		zap.String("task_type", ty.String()),
		zap.Bool("reset", reset),
		zap.Int64("version", t.Version))
	return t, nil
}

// deactivateAttempts bounds re-reads while a running task keeps bumping the version
const deactivateAttempts = 10

// Deactivate stops ty. A running task notices at its next checkpoint write
// and stops without recording a failure; its checkpoint stays the resume point.
func (a *App) Deactivate(ctx context.Context, ty task.Type) (*task.Task, error) {
	for attempt := 1; ; attempt++ {
		cur, err := a.store.Get(ctx, ty)
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s: %w", ty, err)
		}
		if !cur.Active {
			return cur, nil
		}

		t, err := a.store.Update(ctx, cur, task.Deactivate())
		if err == nil {
			a.logger.Info("Task deactivated",
				zap.String("task_type", ty.String()),
				zap.Int64("version", t.Version),
				zap.Bool("running", a.guard.IsRunning(ty)))
			return t, nil
		}
		if !errors.Is(err, task.ErrConflict) || attempt == deactivateAttempts {
			return nil, fmt.Errorf("failed to deactivate task %s: %w", ty, err)
		}
	}
}
