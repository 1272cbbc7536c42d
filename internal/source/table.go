package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DB reads and marks rows in the legacy database
type DB struct {
	db *sqlx.DB
}

// NewDB wraps the legacy database connection
func NewDB(db *sqlx.DB) *DB {
	return &DB{db: db}
}

func parentColumn(t Table) string {
	if t == TablePaper {
		return "label_id"
	}
	return "NULL::bigint"
}

// MaxID returns max(id) of a source's rows in t, 0 when there are none
func (d *DB) MaxID(ctx context.Context, t Table, fromType string) (int64, error) {
	var total int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s WHERE from_ty = $1`, t)
	if err := d.db.GetContext(ctx, &total, query, fromType); err != nil {
		return 0, fmt.Errorf("failed to compute total of %s/%s: %w", t, fromType, err)
	}
	return total, nil
}

// Extract returns up to limit unfinished rows with after < id <= upTo, by id
func (d *DB) Extract(ctx context.Context, t Table, fromType string, after, upTo int64, limit int) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT id, extra, %s AS parent_id
		FROM %s
		WHERE from_ty = $1 AND target_id IS NULL AND id > $2 AND id <= $3
		ORDER BY id
		LIMIT $4
	`, parentColumn(t), t)

	var recs []Record
	if err := d.db.SelectContext(ctx, &recs, query, fromType, after, upTo, limit); err != nil {
		return nil, fmt.Errorf("failed to extract %s/%s after %d: %w", t, fromType, after, err)
	}
	return recs, nil
}

// Linkback stores the canonical id on the source row
func (d *DB) Linkback(ctx context.Context, t Table, fromType string, id, targetID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET target_id = $1 WHERE id = $2 AND from_ty = $3`, t)
	if _, err := d.db.ExecContext(ctx, query, targetID, id, fromType); err != nil {
		return fmt.Errorf("failed to link %s#%d to %d: %w", t, id, targetID, err)
	}
	return nil
}

// LabelTarget returns the canonical id a source label was written to
func (d *DB) LabelTarget(ctx context.Context, labelID int64) (int64, error) {
	var target sql.NullInt64
	err := d.db.GetContext(ctx, &target, `SELECT target_id FROM label WHERE id = $1`, labelID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !target.Valid) {
		return 0, fmt.Errorf("%w: label#%d", ErrUnresolvedLabel, labelID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find target of label#%d: %w", labelID, err)
	}
	return target.Int64, nil
}

// PaperQuestions returns the questions of a source paper in paper order
func (d *DB) PaperQuestions(ctx context.Context, fromType string, paperID int64) ([]ChildRecord, error) {
	var recs []ChildRecord
	err := d.db.SelectContext(ctx, &recs, `
		SELECT q.id, q.extra, pq.number AS sort
		FROM paper_question pq
		JOIN question q ON q.id = pq.question_id
		WHERE pq.from_ty = $1 AND pq.paper_id = $2
		ORDER BY pq.number
	`, fromType, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to find questions of paper#%d: %w", paperID, err)
	}
	return recs, nil
}

// PaperMaterials returns the materials of a source paper in paper order
func (d *DB) PaperMaterials(ctx context.Context, fromType string, paperID int64) ([]ChildRecord, error) {
	var recs []ChildRecord
	err := d.db.SelectContext(ctx, &recs, `
		SELECT m.id, m.extra, pm.number AS sort
		FROM paper_material pm
		JOIN material m ON m.id = pm.material_id
		WHERE pm.from_ty = $1 AND pm.paper_id = $2
		ORDER BY pm.number
	`, fromType, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to find materials of paper#%d: %w", paperID, err)
	}
	return recs, nil
}

// Materials returns materials by id, used for materials only referenced from questions
func (d *DB) Materials(ctx context.Context, fromType string, ids []int64) ([]ChildRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []ChildRecord
	err := d.db.SelectContext(ctx, &recs, `
		SELECT id, extra, 0 AS sort
		FROM material
		WHERE from_ty = $1 AND id = ANY($2)
		ORDER BY id
	`, fromType, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to find materials %v: %w", ids, err)
	}
	return recs, nil
}
