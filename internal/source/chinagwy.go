package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
)

// question kinds by chinagwy form code
var chinagwyForms = map[int]string{
	0: "single_choice",
	1: "single_choice",
	2: "indefinite_choice",
	3: "true_false",
	4: "open_ended",
	5: "multi_choice",
}

type chinagwyChapter struct {
	Name     string `json:"name"`
	Desc     string `json:"desc"`
	TotalNum int64  `json:"totalNum"`
}

type chinagwyPaper struct {
	Title    string            `json:"title"`
	Chapters []chinagwyChapter `json:"chapters"`
}

type chinagwyQuestion struct {
	Type    int    `json:"type"`
	Form    int    `json:"form"`
	Stem    string `json:"stem"`
	Choices []struct {
		Choice string `json:"choice"`
	} `json:"choices"`
	Answer          json.RawMessage `json:"answer"`
	Analysis        string          `json:"analysis"`
	MultiMaterialID string          `json:"multi_material_id"`
}

type chinagwyMaterial struct {
	Content string `json:"content"`
}

// ChinagwyMapper maps payloads crawled from chinagwy. The source has no
// label table: labels are derived from the paper title.
type ChinagwyMapper struct{}

func (ChinagwyMapper) FromType() string { return "chinagwy" }

func (ChinagwyMapper) Paper(rec Record) (MappedPaper, error) {
	var p chinagwyPaper
	if err := decode("paper", rec.ID, rec.Extra, &p); err != nil {
		return MappedPaper{}, err
	}
	if p.Title == "" {
		return MappedPaper{}, malformed("paper", rec.ID, errors.New("missing title"))
	}
	year := pickYear(p.Title)
	if year == 0 {
		return MappedPaper{}, malformed("paper", rec.ID, fmt.Errorf("no year in %q", p.Title))
	}

	paperType := canonical.Category{Name: "申论", Prefix: "shenlun"}
	extra := map[string]any{"blocks": []string{"注意事项", "给定材料", "作答要求"}}
	if len(p.Chapters) > 0 {
		paperType = canonical.Category{Name: "行测", Prefix: "xingce"}
		extra = map[string]any{"chapters": p.Chapters}
	}

	name := "真题"
	switch area := pickArea(p.Title); area {
	case "":
	case "国家":
		name = "国考"
	default:
		name = area
	}

	return MappedPaper{
		Title: p.Title,
		Year:  year,
		Extra: mustJSON(extra),
		Label: &canonical.LabelPath{Categories: []canonical.Category{paperType}, Name: name},
	}, nil
}

func (ChinagwyMapper) Question(rec ChildRecord) (MappedQuestion, error) {
	var q chinagwyQuestion
	if err := decode("question", rec.ID, rec.Extra, &q); err != nil {
		return MappedQuestion{}, err
	}
	kind, ok := chinagwyForms[q.Form]
	if !ok {
		return MappedQuestion{}, malformed("question", rec.ID, fmt.Errorf("unknown form %d", q.Form))
	}

	options := make([]string, 0, len(q.Choices))
	for _, c := range q.Choices {
		options = append(options, c.Choice)
	}

	var mids []int64
	if q.MultiMaterialID != "" {
		for _, s := range strings.Split(q.MultiMaterialID, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return MappedQuestion{}, malformed("question", rec.ID, err)
			}
			mids = append(mids, id)
		}
	}

	return MappedQuestion{
		Content: q.Stem,
		Extra: mustJSON(map[string]any{
			"kind":     kind,
			"options":  options,
			"answer":   q.Answer,
			"analysis": q.Analysis,
		}),
		Text:        plainText(q.Stem + "\n" + strings.Join(options, "\n")),
		MaterialIDs: mids,
	}, nil
}

func (ChinagwyMapper) Material(rec ChildRecord) (canonical.Material, error) {
	var m chinagwyMaterial
	if err := decode("material", rec.ID, rec.Extra, &m); err != nil {
		return canonical.Material{}, err
	}
	return canonical.Material{FromType: "chinagwy", SourceID: rec.ID, Content: m.Content}, nil
}
