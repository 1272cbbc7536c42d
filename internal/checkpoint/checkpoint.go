// Package checkpoint defines the resumable progress value stored in a task's
// context and the ordered stage list it is validated against.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCorrupt marks a stored checkpoint that cannot be trusted as a resume point.
	ErrCorrupt = errors.New("checkpoint: corrupt")
	// ErrRegression marks a write that would move a checkpoint backwards.
	ErrRegression = errors.New("checkpoint: regression")
)

// Stage names one phase of a pipeline
type Stage string

// StageDone is the terminal stage shared by every pipeline
const StageDone Stage = "done"

// Pipeline is the fixed, ordered list of stages of one task type
type Pipeline struct {
	Name   string
	Stages []Stage
}

// NewPipeline builds a pipeline. Stage names must be unique and must not be "done".
func NewPipeline(name string, stages ...Stage) Pipeline {
	seen := make(map[Stage]struct{}, len(stages))
	for _, s := range stages {
		if s == StageDone || s == "" {
			panic(fmt.Sprintf("pipeline %s: invalid stage name %q", name, s))
		}
		if _, dup := seen[s]; dup {
			panic(fmt.Sprintf("pipeline %s: duplicate stage %q", name, s))
		}
		seen[s] = struct{}{}
	}
	return Pipeline{Name: name, Stages: append([]Stage(nil), stages...)}
}

// First returns the entry stage, or done for an empty pipeline
func (p Pipeline) First() Stage {
	if len(p.Stages) == 0 {
		return StageDone
	}
	return p.Stages[0]
}

// Index returns the position of s; done sorts after every stage, unknown is -1
func (p Pipeline) Index(s Stage) int {
	if s == StageDone {
		return len(p.Stages)
	}
	for i, st := range p.Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Contains reports whether s is a stage of p or done
func (p Pipeline) Contains(s Stage) bool {
	return p.Index(s) >= 0
}

// Next returns the stage after s. The stage after the last one is done.
func (p Pipeline) Next(s Stage) Stage {
	i := p.Index(s)
	if i < 0 || i+1 >= len(p.Stages) {
		return StageDone
	}
	return p.Stages[i+1]
}

// Checkpoint records how far a task has progressed.
// Cursor is the last fully processed source id of Stage; Total is the
// stage's upper id bound computed at stage entry.
type Checkpoint struct {
	Stage  Stage `json:"stage_name"`
	Cursor int64 `json:"cursor"`
	Total  int64 `json:"total"`
}

// Start returns the entry checkpoint of a stage
func Start(stage Stage, total int64) *Checkpoint {
	return &Checkpoint{Stage: stage, Cursor: 0, Total: total}
}

// Finished returns the terminal checkpoint
func Finished(last int64) *Checkpoint {
	return &Checkpoint{Stage: StageDone, Cursor: last, Total: last}
}

// Done reports whether the pipeline has completed
func (c *Checkpoint) Done() bool {
	return c.Stage == StageDone
}

// StageComplete reports whether the cursor has reached the stage bound
func (c *Checkpoint) StageComplete() bool {
	return c.Cursor >= c.Total
}

// Advance moves the cursor to id if that is forward and reports whether it moved
func (c *Checkpoint) Advance(id int64) bool {
	if id <= c.Cursor {
		return false
	}
	c.Cursor = id
	return true
}

// Clone returns a copy
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	return &cp
}

func (c *Checkpoint) String() string {
	return fmt.Sprintf("%s %d/%d", c.Stage, c.Cursor, c.Total)
}

// Validate checks c against the stage list of p
func Validate(p Pipeline, c *Checkpoint) error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrCorrupt)
	}
	if c.Stage == "" {
		return fmt.Errorf("%w: missing stage_name", ErrCorrupt)
	}
	if !p.Contains(c.Stage) {
		return fmt.Errorf("%w: unknown stage %q for pipeline %s", ErrCorrupt, c.Stage, p.Name)
	}
	if c.Cursor < 0 || c.Total < 0 {
		return fmt.Errorf("%w: negative position %s", ErrCorrupt, c)
	}
	if c.Cursor > c.Total {
		return fmt.Errorf("%w: cursor beyond total %s", ErrCorrupt, c)
	}
	return nil
}

// Decode parses a stored context. An empty or null payload means the
// pipeline has not started and yields (nil, nil).
func Decode(p Pipeline, raw []byte) (*Checkpoint, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var c Checkpoint
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := Validate(p, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Encode serializes a checkpoint for storage
func Encode(c *Checkpoint) (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return raw, nil
}

// CheckForward rejects moving from prev to next backwards: an earlier stage,
// or a smaller cursor within the same stage. A nil prev accepts anything.
func CheckForward(p Pipeline, prev, next *Checkpoint) error {
	if prev == nil {
		return nil
	}
	pi, ni := p.Index(prev.Stage), p.Index(next.Stage)
	if ni < pi {
		return fmt.Errorf("%w: stage %s after %s", ErrRegression, next.Stage, prev.Stage)
	}
	if ni == pi && next.Cursor < prev.Cursor {
		return fmt.Errorf("%w: cursor %d after %d in %s", ErrRegression, next.Cursor, prev.Cursor, next.Stage)
	}
	return nil
}
