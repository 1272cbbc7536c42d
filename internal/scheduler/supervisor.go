package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

const (
	failureRecordTimeout  = 10 * time.Second
	failureRecordAttempts = 3
)

// Supervisor wraps one activation of a task. It is the only component that
// records failures on the task row.
type Supervisor struct {
	store    task.Store
	engine   *Engine
	adapters *Registry
	logger   *zap.Logger
	observer Observer
}

// NewSupervisor creates a supervisor
func NewSupervisor(store task.Store, engine *Engine, adapters *Registry, logger *zap.Logger, observer Observer) *Supervisor {
	if observer == nil {
		observer = NopObserver()
	}
	return &Supervisor{
		store:    store,
		engine:   engine,
		adapters: adapters,
		logger:   logger,
		observer: observer,
	}
}

// Execute runs the task of type ty if its row is still active.
//
// On failure the row is deactivated with the error recorded and the
// checkpoint left as the resume point. Cancellation of ctx is not a failure:
// the row stays active so the next start-up resumes it. Neither is a stop
// caused by an operator deactivating or resetting the row mid-run; a reset
// row is run again from its new checkpoint.
func (s *Supervisor) Execute(ctx context.Context, ty task.Type) error {
	log := s.logger.With(
		zap.String("task_type", ty.String()),
		zap.String("run_id", uuid.NewString()),
	)

	cur, err := s.store.Get(ctx, ty)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			log.Warn("Trigger for unknown task row, skipping")
			s.observer.RunFinished(ty, ResultSkipped)
			return nil
		}
		return fmt.Errorf("failed to read task %s: %w", ty, err)
	}
	if !cur.Active {
		log.Info("Task no longer active, skipping", zap.Int64("version", cur.Version))
		s.observer.RunFinished(ty, ResultSkipped)
		return nil
	}

	adapter, err := s.adapters.Lookup(ty)
	if err != nil {
		s.recordFailure(ctx, log, ty, err)
		return err
	}

	cur, err = s.store.Update(ctx, cur, task.StartRun())
	if err != nil {
		// Another writer moved the row since we read it; let its trigger win.
		if errors.Is(err, task.ErrConflict) {
			log.Warn("Task changed before start, skipping", zap.Error(err))
			s.observer.RunFinished(ty, ResultSkipped)
			return nil
		}
		return err
	}

	log.Info("Task run started",
		zap.Int64("run_count", cur.RunCount),
		zap.Int64("version", cur.Version))
	start := time.Now()

	_, runErr := s.engine.Run(ctx, cur, adapter)
	if runErr == nil {
		log.Info("Task run completed", zap.Duration("elapsed", time.Since(start)))
		s.observer.RunFinished(ty, ResultSuccess)
		return nil
	}

	if errors.Is(runErr, ErrStopped) {
		log.Info("Task run stopped by operator", zap.Error(runErr), zap.Duration("elapsed", time.Since(start)))
		s.observer.RunFinished(ty, ResultStopped)
		return s.restartIfActive(ctx, log, ty)
	}

	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		log.Info("Task run interrupted, will resume from checkpoint",
			zap.Duration("elapsed", time.Since(start)))
		s.observer.RunFinished(ty, ResultInterrupted)
		return runErr
	}

	log.Error("Task run failed", zap.Error(runErr), zap.Duration("elapsed", time.Since(start)))
	s.recordFailure(ctx, log, ty, runErr)
	return runErr
}

// restartIfActive runs ty again when the stop came from a re-activation,
// whose trigger the guard dropped while this run held it
func (s *Supervisor) restartIfActive(ctx context.Context, log *zap.Logger, ty task.Type) error {
	cur, err := s.store.Get(ctx, ty)
	if err != nil {
		return fmt.Errorf("failed to read task %s after stop: %w", ty, err)
	}
	if !cur.Active {
		return nil
	}
	log.Info("Task re-activated during run, restarting", zap.Int64("version", cur.Version))
	return s.Execute(ctx, ty)
}

// recordFailure deactivates the row and annotates it with cause.
// It re-reads on conflict since the engine may have bumped the version.
func (s *Supervisor) recordFailure(ctx context.Context, log *zap.Logger, ty task.Type, cause error) {
	s.observer.RunFinished(ty, ResultFailed)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()

	for attempt := 1; attempt <= failureRecordAttempts; attempt++ {
		cur, err := s.store.Get(fctx, ty)
		if err != nil {
			log.Error("Failed to read task for failure record", zap.Error(err))
			return
		}
		failed, err := s.store.Update(fctx, cur, task.Fail(cause.Error()))
		if err == nil {
			log.Info("Task deactivated after failure",
				zap.Int64("error_count", failed.ErrorCount),
				zap.Int64("version", failed.Version))
			return
		}
		if !errors.Is(err, task.ErrConflict) {
			log.Error("Failed to record task failure", zap.Error(err))
			return
		}
		log.Warn("Conflict recording failure, re-reading", zap.Int("attempt", attempt))
	}
	log.Error("Gave up recording task failure", zap.String("cause", cause.Error()))
}
