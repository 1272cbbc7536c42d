package source

import (
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
)

func TestFenbiMapper_Label(t *testing.T) {
	testCases := []struct {
		name    string
		extra   string
		want    canonical.LabelPath
		wantErr bool
	}{
		{
			name: "full chain with parent",
			extra: `{"course_set":{"liveConfigItem":{"name":"公务员","prefix":"gwy"},"courseSet":{"name":"国考","prefix":"gk"}},
				"course":{"name":"行测","prefix":"xingce"},"parent":{"name":"历年真题"},"name":"2023"}`,
			want: canonical.LabelPath{
				Categories: []canonical.Category{{Name: "公务员", Prefix: "gwy"}, {Name: "国考", Prefix: "gk"}, {Name: "行测", Prefix: "xingce"}},
				Parent:     "历年真题",
				Name:       "2023",
			},
		},
		{
			name:  "no root",
			extra: `{"course_set":{"courseSet":{"name":"事业单位","prefix":"sydw"}},"course":{"name":"综合","prefix":"zh"},"name":"模拟"}`,
			want: canonical.LabelPath{
				Categories: []canonical.Category{{Name: "事业单位", Prefix: "sydw"}, {Name: "综合", Prefix: "zh"}},
				Name:       "模拟",
			},
		},
		{name: "missing course", extra: `{"name":"x"}`, wantErr: true},
		{name: "not json", extra: `{`, wantErr: true},
		{name: "empty", extra: ``, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FenbiMapper{}.Label(Record{ID: 1, Extra: types.JSONText(tc.extra)})
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFenbiMapper_PaperAndQuestion(t *testing.T) {
	m := FenbiMapper{}

	p, err := m.Paper(Record{ID: 5, Extra: types.JSONText(`{"name":"模拟卷","date":"2021-06-01","topic":"综合","type":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "模拟卷", p.Title)
	assert.Equal(t, int16(2021), p.Year)
	assert.Nil(t, p.Label)

	q, err := m.Question(ChildRecord{ID: 9, Sort: 1, Extra: types.JSONText(`{
		"type":1,
		"content":"<p>下列说法<b>正确</b>的是</p>",
		"accessories":[{"type":101,"options":["甲","乙"]},{"type":102}],
		"correctAnswer":{"choice":"0"},
		"questionMeta":{"correctRatio":0.62},
		"material":{"id":300}
	}`)})
	require.NoError(t, err)
	assert.Equal(t, "下列说法正确的是 甲 乙", q.Text)
	assert.Equal(t, 0.62, q.CorrectRatio)
	assert.Equal(t, []int64{300}, q.MaterialIDs)

	var extra map[string]any
	require.NoError(t, json.Unmarshal(q.Extra, &extra))
	assert.Equal(t, []any{"甲", "乙"}, extra["options"])
}

func TestOffcnMapper_Label(t *testing.T) {
	got, err := OffcnMapper{}.Label(Record{ID: 1, Extra: types.JSONText(`{"name":"省考","type":2,"parent_id":4,"parent_name":"真题"}`)})
	require.NoError(t, err)
	assert.Equal(t, canonical.LabelPath{
		Categories: []canonical.Category{{Name: "公务员", Prefix: "gwy"}, {Name: "申论", Prefix: "shenlun"}},
		Parent:     "真题",
		Name:       "省考",
	}, got)

	_, err = OffcnMapper{}.Label(Record{ID: 2, Extra: types.JSONText(`{"name":"x","type":9}`)})
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestHuatuMapper_Paper(t *testing.T) {
	p, err := HuatuMapper{}.Paper(Record{ID: 1, Extra: types.JSONText(`{"name":"2019年浙江省考","area":"浙江"}`)})
	require.NoError(t, err)
	assert.Equal(t, int16(2019), p.Year)

	_, err = HuatuMapper{}.Question(ChildRecord{ID: 2, Extra: types.JSONText(`{"type":1}`)})
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestChinagwyMapper_Paper(t *testing.T) {
	testCases := []struct {
		name      string
		extra     string
		wantLabel *canonical.LabelPath
		wantErr   bool
	}{
		{
			name:  "national xingce",
			extra: `{"title":"2023年国家公务员录用考试《行测》","chapters":[{"name":"常识判断","totalNum":20}]}`,
			wantLabel: &canonical.LabelPath{
				Categories: []canonical.Category{{Name: "行测", Prefix: "xingce"}},
				Name:       "国考",
			},
		},
		{
			name:  "provincial shenlun",
			extra: `{"title":"2022年广东省公务员考试《申论》"}`,
			wantLabel: &canonical.LabelPath{
				Categories: []canonical.Category{{Name: "申论", Prefix: "shenlun"}},
				Name:       "广东",
			},
		},
		{
			name:  "no area",
			extra: `{"title":"2020年遴选笔试"}`,
			wantLabel: &canonical.LabelPath{
				Categories: []canonical.Category{{Name: "申论", Prefix: "shenlun"}},
				Name:       "真题",
			},
		},
		{name: "no year", extra: `{"title":"公务员模拟题"}`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ChinagwyMapper{}.Paper(Record{ID: 3, Extra: types.JSONText(tc.extra)})
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantLabel, got.Label)
		})
	}
}

func TestChinagwyMapper_Question(t *testing.T) {
	q, err := ChinagwyMapper{}.Question(ChildRecord{ID: 4, Extra: types.JSONText(
		`{"form":2,"stem":"题干","choices":[{"choice":"A"},{"choice":"B"}],"answer":[0],"multi_material_id":"3, 4"}`)})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, q.MaterialIDs)
	assert.Equal(t, "题干 A B", q.Text)

	_, err = ChinagwyMapper{}.Question(ChildRecord{ID: 5, Extra: types.JSONText(`{"form":7,"stem":"x"}`)})
	assert.ErrorIs(t, err, ErrMalformedRow)

	_, err = ChinagwyMapper{}.Question(ChildRecord{ID: 6, Extra: types.JSONText(`{"form":0,"stem":"x","multi_material_id":"a"}`)})
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestTextHelpers(t *testing.T) {
	assert.Equal(t, "题干一 A", plainText("<p>题干<b>一</b></p>\n A"))
	assert.Equal(t, "plain text", plainText("  plain \n text "))

	assert.Equal(t, int16(2023), pickYear("2023年国家公务员考试"))
	assert.Equal(t, int16(0), pickYear("公务员考试"))

	assert.Equal(t, "国家", pickArea("2023年国家公务员考试"))
	assert.Equal(t, "广东", pickArea("2022年广东省考"))
	assert.Equal(t, "", pickArea("遴选笔试"))
}

func TestSortNumber(t *testing.T) {
	testCases := []struct {
		name    string
		sort    int64
		want    int16
		wantErr bool
	}{
		{name: "first", sort: 1, want: 1},
		{name: "upper bound", sort: 32767, want: 32767},
		{name: "overflow", sort: 32768, wantErr: true},
		{name: "underflow", sort: -32769, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sortNumber("question", 9, tc.sort)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
