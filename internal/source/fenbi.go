package source

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
)

// fenbi accessory type holding choice options
const fenbiOptionAccessory = 101

type fenbiNamed struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

type fenbiLabel struct {
	CourseSet struct {
		LiveConfigItem fenbiNamed `json:"liveConfigItem"`
		CourseSet      fenbiNamed `json:"courseSet"`
	} `json:"course_set"`
	Course fenbiNamed `json:"course"`
	Parent *struct {
		Name string `json:"name"`
	} `json:"parent"`
	Name string `json:"name"`
}

type fenbiPaper struct {
	Name     string          `json:"name"`
	Date     string          `json:"date"`
	Topic    string          `json:"topic"`
	Type     int             `json:"type"`
	Chapters json.RawMessage `json:"chapters"`
}

type fenbiAccessory struct {
	Type    int      `json:"type"`
	Options []string `json:"options"`
}

type fenbiQuestion struct {
	Type          int              `json:"type"`
	Content       string           `json:"content"`
	Accessories   []fenbiAccessory `json:"accessories"`
	Solution      string           `json:"solution"`
	CorrectAnswer json.RawMessage  `json:"correctAnswer"`
	QuestionMeta  struct {
		CorrectRatio float64 `json:"correctRatio"`
	} `json:"questionMeta"`
	Material *struct {
		ID int64 `json:"id"`
	} `json:"material"`
}

type fenbiMaterial struct {
	Content string `json:"content"`
}

// FenbiMapper maps payloads crawled from fenbi
type FenbiMapper struct{}

func (FenbiMapper) FromType() string { return "fenbi" }

func (FenbiMapper) Label(rec Record) (canonical.LabelPath, error) {
	var l fenbiLabel
	if err := decode("label", rec.ID, rec.Extra, &l); err != nil {
		return canonical.LabelPath{}, err
	}
	if l.Name == "" || l.Course.Prefix == "" {
		return canonical.LabelPath{}, malformed("label", rec.ID, errors.New("missing name or course"))
	}

	var cats []canonical.Category
	for _, n := range []fenbiNamed{l.CourseSet.LiveConfigItem, l.CourseSet.CourseSet, l.Course} {
		if n.Prefix != "" {
			cats = append(cats, canonical.Category{Name: n.Name, Prefix: n.Prefix})
		}
	}
	path := canonical.LabelPath{Categories: cats, Name: l.Name}
	if l.Parent != nil {
		path.Parent = l.Parent.Name
	}
	return path, nil
}

func (FenbiMapper) Paper(rec Record) (MappedPaper, error) {
	var p fenbiPaper
	if err := decode("paper", rec.ID, rec.Extra, &p); err != nil {
		return MappedPaper{}, err
	}
	if p.Name == "" {
		return MappedPaper{}, malformed("paper", rec.ID, errors.New("missing name"))
	}

	year := pickYear(p.Name)
	if year == 0 {
		year = pickYear(p.Date)
	}
	return MappedPaper{
		Title: p.Name,
		Year:  year,
		Extra: mustJSON(map[string]any{"topic": p.Topic, "type": p.Type, "chapters": p.Chapters}),
	}, nil
}

func (FenbiMapper) Question(rec ChildRecord) (MappedQuestion, error) {
	var q fenbiQuestion
	if err := decode("question", rec.ID, rec.Extra, &q); err != nil {
		return MappedQuestion{}, err
	}
	if q.Content == "" {
		return MappedQuestion{}, malformed("question", rec.ID, errors.New("missing content"))
	}

	var options []string
	for _, a := range q.Accessories {
		if a.Type == fenbiOptionAccessory {
			options = append(options, a.Options...)
		}
	}
	mq := MappedQuestion{
		Content: q.Content,
		Extra: mustJSON(map[string]any{
			"type":     q.Type,
			"options":  options,
			"answer":   q.CorrectAnswer,
			"solution": q.Solution,
		}),
		Text:         plainText(q.Content + "\n" + strings.Join(options, "\n")),
		CorrectRatio: q.QuestionMeta.CorrectRatio,
	}
	if q.Material != nil && q.Material.ID > 0 {
		mq.MaterialIDs = []int64{q.Material.ID}
	}
	return mq, nil
}

func (FenbiMapper) Material(rec ChildRecord) (canonical.Material, error) {
	var m fenbiMaterial
	if err := decode("material", rec.ID, rec.Extra, &m); err != nil {
		return canonical.Material{}, err
	}
	return canonical.Material{FromType: "fenbi", SourceID: rec.ID, Content: m.Content}, nil
}
