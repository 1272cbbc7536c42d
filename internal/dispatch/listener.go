package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/guard"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/worker"
)

const (
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Drop reasons reported to Metrics
const (
	DropInactive = "inactive"
	DropRunning  = "running"
	DropInvalid  = "invalid"
)

// Metrics receives trigger admission events
type Metrics interface {
	TriggerReceived(ty task.Type)
	TriggerDropped(ty task.Type, reason string)
}

type nopMetrics struct{}

func (nopMetrics) TriggerReceived(task.Type)        {}
func (nopMetrics) TriggerDropped(task.Type, string) {}

// Listener consumes triggers and hands admitted ones to the worker queue
type Listener struct {
	client  *redis.Client
	channel string
	guard   *guard.Registry
	queue   chan<- worker.Trigger
	metrics Metrics
	logger  *zap.Logger
}

// NewListener creates a listener. Admitted triggers are sent on queue.
func NewListener(
	client *redis.Client,
	channel string,
	registry *guard.Registry,
	queue chan<- worker.Trigger,
	metrics Metrics,
	logger *zap.Logger,
) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Listener{
		client:  client,
		channel: channel,
		guard:   registry,
		queue:   queue,
		metrics: metrics,
		logger:  logger,
	}
}

// Admit applies the trigger rules to one task row: inactive rows and rows
// whose type already has a runner are dropped. An admitted trigger holds the
// guard until the worker releases it.
func (l *Listener) Admit(ctx context.Context, t *task.Task) bool {
	l.metrics.TriggerReceived(t.Type)

	if !t.Active {
		l.logger.Debug("Dropping trigger for inactive task", zap.String("task_type", t.Type.String()))
		l.metrics.TriggerDropped(t.Type, DropInactive)
		return false
	}
	if !l.guard.RegisterIfNotRunning(t.Type) {
		l.logger.Info("Task already running, dropping trigger",
			zap.String("task_type", t.Type.String()),
			zap.Int64("version", t.Version))
		l.metrics.TriggerDropped(t.Type, DropRunning)
		return false
	}

	trigger := worker.Trigger{Type: t.Type, Version: t.Version, ReceivedAt: time.Now()}
	select {
	case l.queue <- trigger:
		l.logger.Info("Trigger admitted",
			zap.String("task_type", t.Type.String()),
			zap.Int64("version", t.Version))
		return true
	case <-ctx.Done():
		l.guard.Release(t.Type)
		return false
	}
}

// Run subscribes and processes triggers until ctx ends. Lost connections are
// re-established with exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	delay := defaultReconnectDelay
	for {
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		l.logger.Warn("Trigger subscription lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// subscribe waits for the server to confirm the subscription
func (l *Listener) subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := l.client.Subscribe(ctx, l.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", l.channel, err)
	}
	l.logger.Info("Listening for task triggers", zap.String("channel", l.channel))
	return pubsub, nil
}

func (l *Listener) consume(ctx context.Context) error {
	pubsub, err := l.subscribe(ctx)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("failed to receive trigger: %w", err)
		}
		l.handleMessage(ctx, msg)
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg *redis.Message) {
	t, err := Decode([]byte(msg.Payload))
	if err != nil {
		l.logger.Warn("Dropping malformed trigger", zap.String("payload", msg.Payload), zap.Error(err))
		l.metrics.TriggerDropped("", DropInvalid)
		return
	}
	l.Admit(ctx, t)
}

// Decode parses a trigger payload and checks its task type
func Decode(payload []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("failed to decode trigger: %w", err)
	}
	if _, err := task.ParseType(string(t.Type)); err != nil {
		return nil, err
	}
	return &t, nil
}
