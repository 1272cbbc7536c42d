package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// ErrStopped is returned when the task row was deactivated or its checkpoint
// replaced while the run was in progress
var ErrStopped = errors.New("scheduler: run stopped by a concurrent task update")

// conflictAttempts bounds the re-reads after conflicting writes that leave the run in charge
const conflictAttempts = 5

// Options tunes pagination and checkpoint frequency
type Options struct {
	// Window is the page size passed to Extract
	Window int
	// CheckpointEvery persists the cursor after this many loaded rows.
	// The end of every page is always persisted.
	CheckpointEvery int
}

// DefaultOptions matches the page size of the legacy sync jobs
func DefaultOptions() Options {
	return Options{Window: 100, CheckpointEvery: 1}
}

// Engine runs one activation of a task through its pipeline
type Engine struct {
	store    task.Store
	opts     Options
	logger   *zap.Logger
	observer Observer
}

// NewEngine creates an engine. A nil observer discards events.
func NewEngine(store task.Store, opts Options, logger *zap.Logger, observer Observer) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultOptions().Window
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 1
	}
	if observer == nil {
		observer = NopObserver()
	}
	return &Engine{
		store:    store,
		opts:     opts,
		logger:   logger,
		observer: observer,
	}
}

// run holds the state of one activation
type run struct {
	e       *Engine
	adapter Adapter
	proto   *checkpoint.Protocol
	log     *zap.Logger
	t       *task.Task
	cp      *checkpoint.Checkpoint
	pending int
}

// Run drives t from its stored checkpoint to done and then deactivates it.
// It returns the latest stored task row together with any error; progress
// persisted before an error remains the resume point.
func (e *Engine) Run(ctx context.Context, t *task.Task, adapter Adapter) (*task.Task, error) {
	r := &run{
		e:       e,
		adapter: adapter,
		proto:   checkpoint.NewProtocol(e.store, adapter.Pipeline()),
		log:     e.logger.With(zap.String("task_type", t.Type.String())),
		t:       t,
	}
	err := r.execute(ctx)
	return r.t, err
}

func (r *run) execute(ctx context.Context) error {
	pipeline := r.proto.Pipeline()

	cp, err := r.proto.Load(r.t)
	if err != nil {
		return err
	}
	if cp == nil {
		cp, err = r.enter(ctx, pipeline.First())
		if err != nil {
			return err
		}
		r.cp = cp
		if err := r.save(ctx); err != nil {
			return err
		}
	} else {
		r.cp = cp
		r.log.Info("Resuming from checkpoint",
			zap.String("stage", string(cp.Stage)),
			zap.Int64("cursor", cp.Cursor),
			zap.Int64("total", cp.Total))
	}

	for !r.cp.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.cp.StageComplete() {
			if err := r.transition(ctx); err != nil {
				return err
			}
			continue
		}

		if err := r.page(ctx); err != nil {
			return err
		}
	}

	if err := r.complete(ctx); err != nil {
		return err
	}
	r.log.Info("Task finished", zap.Int64("cursor", r.cp.Cursor))
	return nil
}

// enter computes the bound of a stage and returns its entry checkpoint
func (r *run) enter(ctx context.Context, stage checkpoint.Stage) (*checkpoint.Checkpoint, error) {
	if stage == checkpoint.StageDone {
		return checkpoint.Finished(0), nil
	}
	total, err := r.adapter.ComputeTotal(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to compute total of %s: %w", stage, err)
	}
	if total < 0 {
		total = 0
	}
	cp := checkpoint.Start(stage, total)
	r.observer().StageEntered(r.t.Type, *cp)
	r.log.Info("Entering stage",
		zap.String("stage", string(stage)),
		zap.Int64("total", total))
	return cp, nil
}

// transition moves to the next stage once the current one is exhausted
func (r *run) transition(ctx context.Context) error {
	nextStage := r.proto.Pipeline().Next(r.cp.Stage)
	if nextStage == checkpoint.StageDone {
		r.cp = checkpoint.Finished(r.cp.Cursor)
		return r.save(ctx)
	}

	cp, err := r.enter(ctx, nextStage)
	if err != nil {
		return err
	}
	if cp.Total == 0 {
		r.log.Info("Skipping empty stage", zap.String("stage", string(nextStage)))
	}
	r.cp = cp
	return r.save(ctx)
}

// page extracts and loads one window of rows
func (r *run) page(ctx context.Context) error {
	stage := r.cp.Stage
	rows, err := r.adapter.Extract(ctx, stage, r.cp.Cursor, r.cp.Total, r.e.opts.Window)
	if err != nil {
		return fmt.Errorf("failed to extract %s after %d: %w", stage, r.cp.Cursor, err)
	}

	if len(rows) == 0 {
		// Nothing unmarked below the bound: the rest was linked back by an earlier run.
		r.log.Debug("No pending rows below bound",
			zap.String("stage", string(stage)),
			zap.Int64("cursor", r.cp.Cursor),
			zap.Int64("total", r.cp.Total))
		r.cp.Cursor = r.cp.Total
		return r.save(ctx)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}
		if row.ID <= r.cp.Cursor || row.ID > r.cp.Total {
			return r.abort(ctx, fmt.Errorf("extractor returned row %d outside (%d, %d] of %s",
				row.ID, r.cp.Cursor, r.cp.Total, stage))
		}

		start := time.Now()
		targetID, err := r.adapter.Load(ctx, stage, row)
		if err != nil {
			r.observer().RowFailed(r.t.Type, stage, err)
			r.log.Warn("Row failed",
				zap.String("stage", string(stage)),
				zap.Int64("source_id", row.ID),
				zap.Error(err))
			return r.abort(ctx, fmt.Errorf("failed to load %s row %d: %w", stage, row.ID, err))
		}
		r.observer().RowLoaded(r.t.Type, stage, time.Since(start))
		r.log.Debug("Row loaded",
			zap.String("stage", string(stage)),
			zap.Int64("source_id", row.ID),
			zap.Int64("target_id", targetID))

		r.cp.Advance(row.ID)
		r.pending++
		if r.pending >= r.e.opts.CheckpointEvery {
			if err := r.save(ctx); err != nil {
				return err
			}
		}
	}

	return r.flush(ctx)
}

// abort persists progress already made before returning cause
func (r *run) abort(ctx context.Context, cause error) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.flush(flushCtx); err != nil {
		r.log.Error("Failed to flush checkpoint", zap.Error(err))
	}
	return cause
}

func (r *run) flush(ctx context.Context) error {
	if r.pending == 0 {
		return nil
	}
	return r.save(ctx)
}

func (r *run) save(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		saved, err := r.proto.Save(ctx, r.t, r.cp)
		if err == nil {
			r.t = saved
			r.pending = 0
			r.observer().Checkpointed(r.t.Type, *r.cp)
			return nil
		}
		if !errors.Is(err, task.ErrConflict) || attempt == conflictAttempts {
			return err
		}
		if err := r.reconcile(ctx); err != nil {
			return err
		}
	}
}

func (r *run) complete(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		done, err := r.e.store.Update(ctx, r.t, task.Complete())
		if err == nil {
			r.t = done
			return nil
		}
		if !errors.Is(err, task.ErrConflict) || attempt == conflictAttempts {
			return fmt.Errorf("failed to deactivate finished task: %w", err)
		}
		if err := r.reconcile(ctx); err != nil {
			return err
		}
	}
}

// reconcile re-reads the row after a conflicting write. The run keeps going
// only if the row is still active and still holds the checkpoint this run
// last stored; otherwise it returns ErrStopped.
func (r *run) reconcile(ctx context.Context) error {
	cur, err := r.e.store.Get(ctx, r.t.Type)
	if err != nil {
		return fmt.Errorf("failed to re-read task after conflict: %w", err)
	}
	if !cur.Active {
		r.log.Info("Task deactivated during run, stopping",
			zap.Int64("version", cur.Version),
			zap.Int64("cursor", r.cp.Cursor))
		return fmt.Errorf("%w: task deactivated", ErrStopped)
	}

	mine, err := r.proto.Load(r.t)
	if err != nil {
		return err
	}
	theirs, err := r.proto.Load(cur)
	if err != nil {
		return err
	}
	if !sameCheckpoint(mine, theirs) {
		r.log.Info("Task checkpoint replaced during run, stopping",
			zap.Int64("version", cur.Version))
		return fmt.Errorf("%w: checkpoint replaced", ErrStopped)
	}

	r.log.Debug("Concurrent task update kept the checkpoint, retrying write",
		zap.Int64("version", cur.Version))
	r.t = cur
	return nil
}

func sameCheckpoint(a, b *checkpoint.Checkpoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *run) observer() Observer {
	return r.e.observer
}
