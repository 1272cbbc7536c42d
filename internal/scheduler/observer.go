package scheduler

import (
	"time"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// Run results reported to RunFinished
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultInterrupted = "interrupted"
	ResultStopped     = "stopped"
	ResultSkipped     = "skipped"
)

// Observer receives progress events from the engine and the supervisor.
// Implementations must be safe for concurrent use.
type Observer interface {
	StageEntered(ty task.Type, cp checkpoint.Checkpoint)
	RowLoaded(ty task.Type, stage checkpoint.Stage, elapsed time.Duration)
	RowFailed(ty task.Type, stage checkpoint.Stage, err error)
	Checkpointed(ty task.Type, cp checkpoint.Checkpoint)
	RunFinished(ty task.Type, result string)
}

type nopObserver struct{}

func (nopObserver) StageEntered(task.Type, checkpoint.Checkpoint)        {}
func (nopObserver) RowLoaded(task.Type, checkpoint.Stage, time.Duration) {}
func (nopObserver) RowFailed(task.Type, checkpoint.Stage, error)         {}
func (nopObserver) Checkpointed(task.Type, checkpoint.Checkpoint)        {}
func (nopObserver) RunFinished(task.Type, string)                        {}

// NopObserver discards every event
func NopObserver() Observer { return nopObserver{} }
