package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TaskProcessor runs admitted triggers one at a time
type TaskProcessor struct {
	executor Executor
	guard    Releaser
	metrics  Metrics
	logger   *zap.Logger
}

// Process executes the trigger and always frees its guard entry afterwards
func (p *TaskProcessor) Process(ctx context.Context, trigger Trigger) {
	startTime := time.Now()
	logger := p.logger.With(
		zap.String("task_type", trigger.Type.String()),
		zap.Int64("trigger_version", trigger.Version),
	)

	p.metrics.RunnerStarted(trigger.Type)
	defer func() {
		p.guard.Release(trigger.Type)
		p.metrics.RunnerFinished(trigger.Type)
	}()

	logger.Debug("Picked up trigger", zap.Duration("queued", startTime.Sub(trigger.ReceivedAt)))

	err := p.executor.Execute(ctx, trigger.Type)
	switch {
	case err == nil:
		logger.Info("Trigger processed", zap.Duration("duration", time.Since(startTime)))
	case errors.Is(err, context.Canceled):
		logger.Info("Trigger interrupted by shutdown", zap.Duration("duration", time.Since(startTime)))
	case isStoreClosed(err):
		logger.Warn("Cannot run task - task store is closed", zap.Error(err))
	default:
		logger.Error("Trigger failed",
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err))
	}
}

func isStoreClosed(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database store is closed") ||
		strings.Contains(msg, "database is closed")
}
