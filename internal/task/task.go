package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies one synchronization job. The set is closed.
type Type string

const (
	TypeFenbiSync    Type = "fenbi_sync"
	TypeHuatuSync    Type = "huatu_sync"
	TypeOffcnSync    Type = "offcn_sync"
	TypeChinaGwySync Type = "chinagwy_sync"
	TypeAssetsSave   Type = "assets_save"
)

var descriptions = map[Type]string{
	TypeFenbiSync:    "同步粉笔试卷数据",
	TypeHuatuSync:    "同步华图试卷数据",
	TypeOffcnSync:    "同步中公试卷数据",
	TypeChinaGwySync: "同步中国公务员网试卷数据",
	TypeAssetsSave:   "保存图片素材到对象存储",
}

// Types returns every task type in display order
func Types() []Type {
	return []Type{
		TypeFenbiSync,
		TypeHuatuSync,
		TypeOffcnSync,
		TypeChinaGwySync,
		TypeAssetsSave,
	}
}

// ParseType validates a task type name
func ParseType(s string) (Type, error) {
	ty := Type(s)
	if _, ok := descriptions[ty]; !ok {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return ty, nil
}

// Description returns the operator-facing description of the type
func (t Type) Description() string {
	return descriptions[t]
}

func (t Type) String() string {
	return string(t)
}

// Task is the persisted state of one synchronization job.
// It is also the payload of trigger messages.
type Task struct {
	ID         int64           `json:"id" db:"id"`
	Version    int64           `json:"version" db:"version"`
	Type       Type            `json:"ty" db:"ty"`
	Active     bool            `json:"active" db:"active"`
	Context    json.RawMessage `json:"context" db:"context"`
	RunCount   int64           `json:"run_count" db:"run_count"`
	ErrorCause *string         `json:"error_cause,omitempty" db:"error_cause"`
	ErrorCount int64           `json:"error_count" db:"error_count"`
	Created    time.Time       `json:"created" db:"created"`
	Modified   time.Time       `json:"modified" db:"modified"`
}

// Clone returns a deep copy so mutations never leak into the caller's value
func (t *Task) Clone() *Task {
	c := *t
	if t.Context != nil {
		c.Context = append(json.RawMessage(nil), t.Context...)
	}
	if t.ErrorCause != nil {
		cause := *t.ErrorCause
		c.ErrorCause = &cause
	}
	return &c
}

// HasCheckpoint reports whether the context holds a non-null payload
func (t *Task) HasCheckpoint() bool {
	return !isNullJSON(t.Context)
}

func isNullJSON(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	return string(raw) == "null"
}
