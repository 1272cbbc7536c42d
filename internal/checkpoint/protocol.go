package checkpoint

import (
	"context"
	"fmt"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// Protocol loads and persists checkpoints of one pipeline through the task store
type Protocol struct {
	store    task.Store
	pipeline Pipeline
}

// NewProtocol creates a protocol bound to a store and a pipeline
func NewProtocol(store task.Store, pipeline Pipeline) *Protocol {
	return &Protocol{store: store, pipeline: pipeline}
}

// Pipeline returns the stage list checkpoints are validated against
func (p *Protocol) Pipeline() Pipeline {
	return p.pipeline
}

// Load returns the checkpoint stored on t, nil if the pipeline has not started
func (p *Protocol) Load(t *task.Task) (*Checkpoint, error) {
	cp, err := Decode(p.pipeline, t.Context)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.Type, err)
	}
	return cp, nil
}

// Save writes cp into t's context with an optimistic update and returns the
// stored task. The write must not move the stored checkpoint backwards.
func (p *Protocol) Save(ctx context.Context, t *task.Task, cp *Checkpoint) (*task.Task, error) {
	if err := Validate(p.pipeline, cp); err != nil {
		return nil, err
	}

	prev, err := p.Load(t)
	if err != nil {
		return nil, err
	}
	if err := CheckForward(p.pipeline, prev, cp); err != nil {
		return nil, err
	}

	raw, err := Encode(cp)
	if err != nil {
		return nil, err
	}

	saved, err := p.store.Update(ctx, t, task.SetContext(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint %s: %w", cp, err)
	}
	return saved, nil
}
