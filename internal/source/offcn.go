package source

import (
	"errors"
	"strings"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
)

var offcnPaperTypes = map[int]canonical.Category{
	1: {Name: "行测", Prefix: "xingce"},
	2: {Name: "申论", Prefix: "shenlun"},
	3: {Name: "面试", Prefix: "mianshi"},
}

var offcnExam = canonical.Category{Name: "公务员", Prefix: "gwy"}

type offcnLabel struct {
	Name       string `json:"name"`
	Type       int    `json:"type"`
	ParentID   int64  `json:"parent_id"`
	ParentName string `json:"parent_name"`
}

type offcnPaper struct {
	Title        string `json:"title"`
	Content      string `json:"content"`
	PaperPattern string `json:"paper_pattern"`
}

type offcnQuestion struct {
	Type     int      `json:"type"`
	Content  string   `json:"content"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
	Analysis string   `json:"analysis"`
	Ratio    float64  `json:"correct_ratio"`
}

type offcnMaterial struct {
	Content string `json:"content"`
}

// OffcnMapper maps payloads crawled from offcn
type OffcnMapper struct{}

func (OffcnMapper) FromType() string { return "offcn" }

func (OffcnMapper) Label(rec Record) (canonical.LabelPath, error) {
	var l offcnLabel
	if err := decode("label", rec.ID, rec.Extra, &l); err != nil {
		return canonical.LabelPath{}, err
	}
	pt, ok := offcnPaperTypes[l.Type]
	if !ok || l.Name == "" {
		return canonical.LabelPath{}, malformed("label", rec.ID, errors.New("unknown paper type or empty name"))
	}
	path := canonical.LabelPath{Categories: []canonical.Category{offcnExam, pt}, Name: l.Name}
	if l.ParentID > 0 {
		path.Parent = l.ParentName
	}
	return path, nil
}

func (OffcnMapper) Paper(rec Record) (MappedPaper, error) {
	var p offcnPaper
	if err := decode("paper", rec.ID, rec.Extra, &p); err != nil {
		return MappedPaper{}, err
	}
	if p.Title == "" {
		return MappedPaper{}, malformed("paper", rec.ID, errors.New("missing title"))
	}
	return MappedPaper{
		Title: p.Title,
		Year:  pickYear(p.Title),
		Extra: mustJSON(map[string]any{"desc": plainText(p.Content), "pattern": p.PaperPattern}),
	}, nil
}

func (OffcnMapper) Question(rec ChildRecord) (MappedQuestion, error) {
	var q offcnQuestion
	if err := decode("question", rec.ID, rec.Extra, &q); err != nil {
		return MappedQuestion{}, err
	}
	if q.Content == "" {
		return MappedQuestion{}, malformed("question", rec.ID, errors.New("missing content"))
	}
	return MappedQuestion{
		Content: q.Content,
		Extra: mustJSON(map[string]any{
			"type":     q.Type,
			"options":  q.Options,
			"answer":   q.Answer,
			"analysis": q.Analysis,
		}),
		Text:         plainText(q.Content + "\n" + strings.Join(q.Options, "\n")),
		CorrectRatio: q.Ratio,
	}, nil
}

func (OffcnMapper) Material(rec ChildRecord) (canonical.Material, error) {
	var m offcnMaterial
	if err := decode("material", rec.ID, rec.Extra, &m); err != nil {
		return canonical.Material{}, err
	}
	return canonical.Material{FromType: "offcn", SourceID: rec.ID, Content: m.Content}, nil
}
