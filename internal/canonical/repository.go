package canonical

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/database"
)

// ErrNotFound is returned when a referenced canonical row does not exist
var ErrNotFound = errors.New("canonical: not found")

type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository writes canonical rows
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repository on the target database
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func upsertExamCategory(ctx context.Context, q querier, c ExamCategory) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, `
		INSERT INTO exam_category (from_ty, pid, name, prefix)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_ty, pid, prefix) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, c.FromType, c.PID, c.Name, c.Prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert exam_category %s: %w", c.Prefix, err)
	}
	return id, nil
}

func upsertLabel(ctx context.Context, q querier, examID, paperType, pid int64, name string) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, `
		INSERT INTO label (exam_id, paper_type, pid, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exam_id, paper_type, pid, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, examID, paperType, pid, name)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert label %s: %w", name, err)
	}
	return id, nil
}

// SaveLabelPath writes the category chain and the label in one transaction.
// The second to last category is the exam, the last one the paper type.
func (r *Repository) SaveLabelPath(ctx context.Context, fromType string, path LabelPath) (LabelRef, error) {
	if len(path.Categories) == 0 || path.Name == "" {
		return LabelRef{}, fmt.Errorf("label path needs categories and a name")
	}

	var ref LabelRef
	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		ref, err = saveLabelPath(ctx, tx, fromType, path)
		return err
	})
	return ref, err
}

func saveLabelPath(ctx context.Context, q querier, fromType string, path LabelPath) (LabelRef, error) {
	ids := make([]int64, 0, len(path.Categories))
	var pid int64
	for _, c := range path.Categories {
		id, err := upsertExamCategory(ctx, q, ExamCategory{FromType: fromType, PID: pid, Name: c.Name, Prefix: c.Prefix})
		if err != nil {
			return LabelRef{}, err
		}
		ids = append(ids, id)
		pid = id
	}

	ref := LabelRef{PaperType: ids[len(ids)-1], ExamID: ids[0]}
	if len(ids) >= 2 {
		ref.ExamID = ids[len(ids)-2]
	}

	var parentID int64
	if path.Parent != "" {
		id, err := upsertLabel(ctx, q, ref.ExamID, ref.PaperType, 0, path.Parent)
		if err != nil {
			return LabelRef{}, err
		}
		parentID = id
	}

	id, err := upsertLabel(ctx, q, ref.ExamID, ref.PaperType, parentID, path.Name)
	if err != nil {
		return LabelRef{}, err
	}
	ref.ID = id
	return ref, nil
}

// GetLabel returns a stored label
func (r *Repository) GetLabel(ctx context.Context, id int64) (LabelRef, error) {
	var ref LabelRef
	err := r.db.GetContext(ctx, &ref, `SELECT id, exam_id, paper_type FROM label WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LabelRef{}, fmt.Errorf("%w: label %d", ErrNotFound, id)
		}
		return LabelRef{}, fmt.Errorf("failed to get label %d: %w", id, err)
	}
	return ref, nil
}

// SavePaper writes a paper with its questions, materials and their order in
// one transaction. An optional label path is saved first in the same
// transaction and overrides b.Paper.Label.
func (r *Repository) SavePaper(ctx context.Context, b PaperBundle, label *LabelPath) (PaperResult, error) {
	result := PaperResult{
		QuestionIDs: make(map[int64]int64, len(b.Questions)),
		MaterialIDs: make(map[int64]int64, len(b.Materials)),
	}

	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		p := b.Paper
		if label != nil {
			ref, err := saveLabelPath(ctx, tx, p.FromType, *label)
			if err != nil {
				return err
			}
			p.Label = ref
		}

		paperID, err := upsertPaper(ctx, tx, p)
		if err != nil {
			return err
		}
		result.PaperID = paperID

		for _, pq := range b.Questions {
			qid, err := upsertQuestion(ctx, tx, pq.Question, p.Label)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO paper_question (paper_id, question_id, sort, correct_ratio)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (paper_id, question_id) DO UPDATE SET
					sort = EXCLUDED.sort,
					correct_ratio = EXCLUDED.correct_ratio
			`, paperID, qid, pq.Sort, pq.CorrectRatio); err != nil {
				return fmt.Errorf("failed to upsert paper_question %d/%d: %w", paperID, qid, err)
			}
			result.QuestionIDs[pq.Question.SourceID] = qid
		}

		for _, pm := range b.Materials {
			mid, err := upsertMaterial(ctx, tx, pm.Material)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO paper_material (paper_id, material_id, sort)
				VALUES ($1, $2, $3)
				ON CONFLICT (paper_id, material_id) DO UPDATE SET sort = EXCLUDED.sort
			`, paperID, mid, pm.Sort); err != nil {
				return fmt.Errorf("failed to upsert paper_material %d/%d: %w", paperID, mid, err)
			}
			result.MaterialIDs[pm.Material.SourceID] = mid
		}
		return nil
	})
	if err != nil {
		return PaperResult{}, err
	}
	return result, nil
}

func upsertPaper(ctx context.Context, q querier, p Paper) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, `
		INSERT INTO paper (from_ty, source_id, label_id, exam_id, paper_type, title, year, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (from_ty, source_id) DO UPDATE SET
			label_id = EXCLUDED.label_id,
			exam_id = EXCLUDED.exam_id,
			paper_type = EXCLUDED.paper_type,
			title = EXCLUDED.title,
			year = EXCLUDED.year,
			extra = EXCLUDED.extra
		RETURNING id
	`, p.FromType, p.SourceID, p.Label.ID, p.Label.ExamID, p.Label.PaperType, p.Title, p.Year, jsonOrNull(p.Extra))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert paper %s#%d: %w", p.FromType, p.SourceID, err)
	}
	return id, nil
}

func upsertQuestion(ctx context.Context, q querier, qu Question, label LabelRef) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, `
		INSERT INTO question (from_ty, source_id, exam_id, paper_type, content, extra, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
		ON CONFLICT (from_ty, source_id) DO UPDATE SET
			exam_id = EXCLUDED.exam_id,
			paper_type = EXCLUDED.paper_type,
			content = EXCLUDED.content,
			extra = EXCLUDED.extra,
			embedding = COALESCE(EXCLUDED.embedding, question.embedding)
		RETURNING id
	`, qu.FromType, qu.SourceID, label.ExamID, label.PaperType, qu.Content, jsonOrNull(qu.Extra), VectorLiteral(qu.Embedding))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert question %s#%d: %w", qu.FromType, qu.SourceID, err)
	}
	return id, nil
}

func upsertMaterial(ctx context.Context, q querier, m Material) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, `
		INSERT INTO material (from_ty, source_id, content, extra)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_ty, source_id) DO UPDATE SET
			content = EXCLUDED.content,
			extra = EXCLUDED.extra
		RETURNING id
	`, m.FromType, m.SourceID, m.Content, jsonOrNull(m.Extra))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert material %s#%d: %w", m.FromType, m.SourceID, err)
	}
	return id, nil
}
