package worker

import (
	"context"
	"time"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// Trigger is an admitted activation waiting for a worker
type Trigger struct {
	Type       task.Type `json:"ty"`
	Version    int64     `json:"version"`
	ReceivedAt time.Time `json:"received_at"`
}

// Executor runs one activation of a task type
type Executor interface {
	Execute(ctx context.Context, ty task.Type) error
}

// Releaser frees the guard entry held by an admitted trigger
type Releaser interface {
	Release(ty task.Type)
}

// Metrics tracks runners in flight
type Metrics interface {
	RunnerStarted(ty task.Type)
	RunnerFinished(ty task.Type)
}
