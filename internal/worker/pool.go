package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// Pool manages a pool of workers. Different task types run in parallel; the
// guard keeps a type from being queued twice.
type Pool struct {
	size     int
	executor Executor
	guard    Releaser
	metrics  Metrics
	logger   *zap.Logger
}

type nopMetrics struct{}

func (nopMetrics) RunnerStarted(task.Type)  {}
func (nopMetrics) RunnerFinished(task.Type) {}

// NewPool creates a new worker pool
func NewPool(
	size int,
	executor Executor,
	guard Releaser,
	metrics Metrics,
	logger *zap.Logger,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Pool{
		size:     size,
		executor: executor,
		guard:    guard,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context, triggers <-chan Trigger, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, triggers, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, triggers <-chan Trigger, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Info("Worker started")

	processor := &TaskProcessor{
		executor: p.executor,
		guard:    p.guard,
		metrics:  p.metrics,
		logger:   logger,
	}

	for {
		select {
		case trigger, ok := <-triggers:
			if !ok {
				logger.Info("Worker finished - trigger queue closed")
				return
			}
			if ctx.Err() != nil {
				p.guard.Release(trigger.Type)
				p.drain(triggers)
				logger.Info("Worker stopped - context cancelled")
				return
			}

			processor.Process(ctx, trigger)

		case <-ctx.Done():
			p.drain(triggers)
			logger.Info("Worker stopped - context cancelled")
			return
		}
	}
}

// drain frees the guard of triggers admitted but never started, so start-up
// resume can pick them up again
func (p *Pool) drain(triggers <-chan Trigger) {
	for {
		select {
		case trigger, ok := <-triggers:
			if !ok {
				return
			}
			p.guard.Release(trigger.Type)
		default:
			return
		}
	}
}
