// Package canonical writes migrated exam data into the target schema.
// Every write is an upsert on a natural key, so replaying a row is safe.
package canonical

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExamCategory is one node of the exam category tree, unique on (from_ty, pid, prefix)
type ExamCategory struct {
	FromType string
	PID      int64
	Name     string
	Prefix   string
}

// Category is a category node before its parent id is known
type Category struct {
	Name   string
	Prefix string
}

// LabelPath is a mapped label: the category chain from root to paper type,
// an optional parent label and the label name.
type LabelPath struct {
	Categories []Category
	Parent     string
	Name       string
}

// LabelRef locates a stored label together with the categories it hangs off
type LabelRef struct {
	ID        int64 `db:"id"`
	ExamID    int64 `db:"exam_id"`
	PaperType int64 `db:"paper_type"`
}

// Paper is unique on (from_ty, source_id)
type Paper struct {
	FromType string
	SourceID int64
	Label    LabelRef
	Title    string
	Year     int16
	Extra    json.RawMessage
}

// Question is unique on (from_ty, source_id)
type Question struct {
	FromType  string
	SourceID  int64
	Content   string
	Extra     json.RawMessage
	Embedding []float32
}

// Material is unique on (from_ty, source_id)
type Material struct {
	FromType string
	SourceID int64
	Content  string
	Extra    json.RawMessage
}

// PaperQuestion places a question in a paper
type PaperQuestion struct {
	Question     Question
	Sort         int16
	CorrectRatio float64
}

// PaperMaterial places a material in a paper
type PaperMaterial struct {
	Material Material
	Sort     int16
}

// PaperBundle is everything written for one source paper
type PaperBundle struct {
	Paper     Paper
	Questions []PaperQuestion
	Materials []PaperMaterial
}

// PaperResult maps source ids to the canonical ids they were written to
type PaperResult struct {
	PaperID     int64
	QuestionIDs map[int64]int64
	MaterialIDs map[int64]int64
}

// Asset is a media file referenced by migrated content
type Asset struct {
	ID          int64     `db:"id"`
	SrcType     string    `db:"src_type"`
	SrcURL      string    `db:"src_url"`
	StoragePath *string   `db:"storage_path"`
	Created     time.Time `db:"created"`
}

// ComputeStoragePath returns <src_type>/<yyyy>/<mm>/<dd>/<id>
func (a Asset) ComputeStoragePath() string {
	return fmt.Sprintf("%s/%s/%d", a.SrcType, a.Created.Format("2006/01/02"), a.ID)
}

// VectorLiteral formats an embedding as a pgvector input literal
func VectorLiteral(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
