// Package source reads legacy exam data page by page and loads it into the
// canonical schema. Each legacy row carries a nullable target_id that is set
// once the row has been written, so extraction skips finished rows.
package source

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jmoiron/sqlx/types"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
)

const (
	StageLabel checkpoint.Stage = "sync_label"
	StagePaper checkpoint.Stage = "sync_paper"
)

var (
	// ErrMalformedRow is returned when a source payload cannot be mapped
	ErrMalformedRow = errors.New("source: malformed row")
	// ErrUnresolvedLabel is returned for a paper whose label was not synced yet
	ErrUnresolvedLabel = errors.New("source: label not synced")
)

// Table is a legacy table carrying the target_id marker
type Table string

const (
	TableLabel    Table = "label"
	TablePaper    Table = "paper"
	TableQuestion Table = "question"
	TableMaterial Table = "material"
)

// Record is one legacy row
type Record struct {
	ID       int64          `db:"id"`
	Extra    types.JSONText `db:"extra"`
	ParentID sql.NullInt64  `db:"parent_id"`
}

// ChildRecord is a question or material of a paper with its position
type ChildRecord struct {
	ID    int64          `db:"id"`
	Extra types.JSONText `db:"extra"`
	Sort  int64          `db:"sort"`
}

// MappedPaper is the canonical side of a source paper. A non-nil Label is
// resolved by name instead of through the source label's target_id.
type MappedPaper struct {
	Title string
	Year  int16
	Extra json.RawMessage
	Label *canonical.LabelPath
}

// MappedQuestion is a canonical question plus what the loader needs around it
type MappedQuestion struct {
	Content      string
	Extra        json.RawMessage
	Text         string
	CorrectRatio float64
	MaterialIDs  []int64
}

// Mapper converts one source's payloads
type Mapper interface {
	FromType() string
	Paper(rec Record) (MappedPaper, error)
	Question(rec ChildRecord) (MappedQuestion, error)
	Material(rec ChildRecord) (canonical.Material, error)
}

// LabelMapper is a Mapper whose source has its own label table
type LabelMapper interface {
	Mapper
	Label(rec Record) (canonical.LabelPath, error)
}

func malformed(kind string, id int64, err error) error {
	return fmt.Errorf("%w: %s#%d: %v", ErrMalformedRow, kind, id, err)
}

// sortNumber narrows a legacy ordering number to the canonical join column
func sortNumber(kind string, id, sort int64) (int16, error) {
	if sort < math.MinInt16 || sort > math.MaxInt16 {
		return 0, malformed(kind, id, fmt.Errorf("sort number %d out of range", sort))
	}
	return int16(sort), nil
}

func decode(kind string, id int64, raw types.JSONText, v any) error {
	if len(raw) == 0 {
		return malformed(kind, id, errors.New("empty extra"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed(kind, id, err)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
