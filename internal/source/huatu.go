package source

import (
	"errors"
	"strings"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
)

type huatuLabel struct {
	Exam       string `json:"exam"`
	ExamPrefix string `json:"exam_prefix"`
	Subject    string `json:"subject"`
	SubjectKey string `json:"subject_prefix"`
	ParentName string `json:"parent_name"`
	Name       string `json:"name"`
}

type huatuPaper struct {
	Name string `json:"name"`
	Year int16  `json:"year"`
	Area string `json:"area"`
}

type huatuQuestion struct {
	Type      int      `json:"type"`
	Stem      string   `json:"stem"`
	Choices   []string `json:"choices"`
	Answer    string   `json:"answer"`
	Analysis  string   `json:"analysis"`
	RightRate float64  `json:"right_rate"`
}

type huatuMaterial struct {
	Content string `json:"content"`
}

// HuatuMapper maps payloads crawled from huatu
type HuatuMapper struct{}

func (HuatuMapper) FromType() string { return "huatu" }

func (HuatuMapper) Label(rec Record) (canonical.LabelPath, error) {
	var l huatuLabel
	if err := decode("label", rec.ID, rec.Extra, &l); err != nil {
		return canonical.LabelPath{}, err
	}
	if l.ExamPrefix == "" || l.SubjectKey == "" || l.Name == "" {
		return canonical.LabelPath{}, malformed("label", rec.ID, errors.New("missing exam, subject or name"))
	}
	return canonical.LabelPath{
		Categories: []canonical.Category{
			{Name: l.Exam, Prefix: l.ExamPrefix},
			{Name: l.Subject, Prefix: l.SubjectKey},
		},
		Parent: l.ParentName,
		Name:   l.Name,
	}, nil
}

func (HuatuMapper) Paper(rec Record) (MappedPaper, error) {
	var p huatuPaper
	if err := decode("paper", rec.ID, rec.Extra, &p); err != nil {
		return MappedPaper{}, err
	}
	if p.Name == "" {
		return MappedPaper{}, malformed("paper", rec.ID, errors.New("missing name"))
	}
	year := p.Year
	if year == 0 {
		year = pickYear(p.Name)
	}
	return MappedPaper{
		Title: p.Name,
		Year:  year,
		Extra: mustJSON(map[string]any{"area": p.Area}),
	}, nil
}

func (HuatuMapper) Question(rec ChildRecord) (MappedQuestion, error) {
	var q huatuQuestion
	if err := decode("question", rec.ID, rec.Extra, &q); err != nil {
		return MappedQuestion{}, err
	}
	if q.Stem == "" {
		return MappedQuestion{}, malformed("question", rec.ID, errors.New("missing stem"))
	}
	return MappedQuestion{
		Content: q.Stem,
		Extra: mustJSON(map[string]any{
			"type":     q.Type,
			"options":  q.Choices,
			"answer":   q.Answer,
			"analysis": q.Analysis,
		}),
		Text:         plainText(q.Stem + "\n" + strings.Join(q.Choices, "\n")),
		CorrectRatio: q.RightRate,
	}, nil
}

func (HuatuMapper) Material(rec ChildRecord) (canonical.Material, error) {
	var m huatuMaterial
	if err := decode("material", rec.ID, rec.Extra, &m); err != nil {
		return canonical.Material{}, err
	}
	return canonical.Material{FromType: "huatu", SourceID: rec.ID, Content: m.Content}, nil
}
