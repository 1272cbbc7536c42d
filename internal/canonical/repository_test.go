package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres")), mock
}

func idRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"}).AddRow(id)
}

func TestRepository_SaveLabelPath(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO exam_category").
		WithArgs("fenbi", int64(0), "公务员", "gwy").
		WillReturnRows(idRow(1))
	mock.ExpectQuery("INSERT INTO exam_category").
		WithArgs("fenbi", int64(1), "国考", "gk").
		WillReturnRows(idRow(2))
	mock.ExpectQuery("INSERT INTO exam_category").
		WithArgs("fenbi", int64(2), "行测", "xingce").
		WillReturnRows(idRow(3))
	mock.ExpectQuery("INSERT INTO label (.+) ON CONFLICT \\(exam_id, paper_type, pid, name\\)").
		WithArgs(int64(2), int64(3), int64(0), "历年真题").
		WillReturnRows(idRow(10))
	mock.ExpectQuery("INSERT INTO label").
		WithArgs(int64(2), int64(3), int64(10), "2023").
		WillReturnRows(idRow(11))
	mock.ExpectCommit()

	ref, err := repo.SaveLabelPath(context.Background(), "fenbi", LabelPath{
		Categories: []Category{{"公务员", "gwy"}, {"国考", "gk"}, {"行测", "xingce"}},
		Parent:     "历年真题",
		Name:       "2023",
	})
	require.NoError(t, err)
	assert.Equal(t, LabelRef{ID: 11, ExamID: 2, PaperType: 3}, ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveLabelPathRollsBack(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO exam_category").WillReturnRows(idRow(1))
	mock.ExpectQuery("INSERT INTO label").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := repo.SaveLabelPath(context.Background(), "offcn", LabelPath{
		Categories: []Category{{"事业单位", "sydw"}},
		Name:       "综合",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveLabelPathValidates(t *testing.T) {
	repo, mock := newMockRepository(t)

	_, err := repo.SaveLabelPath(context.Background(), "fenbi", LabelPath{Name: "x"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SavePaper(t *testing.T) {
	repo, mock := newMockRepository(t)
	label := LabelRef{ID: 11, ExamID: 2, PaperType: 3}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO paper (.+) ON CONFLICT \\(from_ty, source_id\\)").
		WithArgs("fenbi", int64(500), int64(11), int64(2), int64(3), "2023年国考", int16(2023), `{"topic":"x"}`).
		WillReturnRows(idRow(70))
	mock.ExpectQuery("INSERT INTO question").
		WithArgs("fenbi", int64(900), int64(2), int64(3), "<p>题干</p>", nil, "[0.5,-1]").
		WillReturnRows(idRow(80))
	mock.ExpectExec("INSERT INTO paper_question").
		WithArgs(int64(70), int64(80), int16(1), 0.75).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO material").
		WithArgs("fenbi", int64(300), "材料", nil).
		WillReturnRows(idRow(90))
	mock.ExpectExec("INSERT INTO paper_material").
		WithArgs(int64(70), int64(90), int16(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.SavePaper(context.Background(), PaperBundle{
		Paper: Paper{
			FromType: "fenbi",
			SourceID: 500,
			Label:    label,
			Title:    "2023年国考",
			Year:     2023,
			Extra:    json.RawMessage(`{"topic":"x"}`),
		},
		Questions: []PaperQuestion{{
			Question:     Question{FromType: "fenbi", SourceID: 900, Content: "<p>题干</p>", Embedding: []float32{0.5, -1}},
			Sort:         1,
			CorrectRatio: 0.75,
		}},
		Materials: []PaperMaterial{{
			Material: Material{FromType: "fenbi", SourceID: 300, Content: "材料"},
			Sort:     1,
		}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(70), result.PaperID)
	assert.Equal(t, map[int64]int64{900: 80}, result.QuestionIDs)
	assert.Equal(t, map[int64]int64{300: 90}, result.MaterialIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SavePaperWithInlineLabel(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO exam_category").WithArgs("chinagwy", int64(0), "公务员", "chinagwy").WillReturnRows(idRow(5))
	mock.ExpectQuery("INSERT INTO label").WithArgs(int64(5), int64(5), int64(0), "国考").WillReturnRows(idRow(6))
	mock.ExpectQuery("INSERT INTO paper").
		WithArgs("chinagwy", int64(1), int64(6), int64(5), int64(5), "试卷", int16(0), nil).
		WillReturnRows(idRow(7))
	mock.ExpectCommit()

	result, err := repo.SavePaper(context.Background(), PaperBundle{
		Paper: Paper{FromType: "chinagwy", SourceID: 1, Title: "试卷"},
	}, &LabelPath{Categories: []Category{{"公务员", "chinagwy"}}, Name: "国考"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.PaperID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetLabel(t *testing.T) {
	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		want      LabelRef
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, exam_id, paper_type FROM label").
					WithArgs(int64(11)).
					WillReturnRows(sqlmock.NewRows([]string{"id", "exam_id", "paper_type"}).AddRow(11, 2, 3))
			},
			want: LabelRef{ID: 11, ExamID: 2, PaperType: 3},
		},
		{
			name: "missing",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, exam_id, paper_type FROM label").WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)
			tc.setupMock(mock)

			got, err := repo.GetLabel(context.Background(), 11)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepository_Assets(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM assets").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(42))
	mock.ExpectQuery("SELECT (.+) FROM assets WHERE storage_path IS NULL AND id > \\$1 AND id <= \\$2").
		WithArgs(int64(10), int64(42), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "src_type", "src_url", "storage_path", "created"}).
			AddRow(11, "fenbi", "https://img.example.com/a.png", nil, created))
	mock.ExpectExec("UPDATE assets SET storage_path").
		WithArgs("fenbi/2024/03/09/11", int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	total, err := repo.MaxAssetID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	assets, err := repo.PendingAssets(ctx, 10, 42, 100)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Nil(t, assets[0].StoragePath)
	assert.Equal(t, "fenbi/2024/03/09/11", assets[0].ComputeStoragePath())

	require.NoError(t, repo.MarkAssetStored(ctx, 11, assets[0].ComputeStoragePath()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorLiteral(t *testing.T) {
	assert.Nil(t, VectorLiteral(nil))
	assert.Equal(t, "[0.25,1,-3.5]", VectorLiteral([]float32{0.25, 1, -3.5}))
}
