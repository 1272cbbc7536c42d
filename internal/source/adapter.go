package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/scheduler"
)

// Embedder turns question text into vectors
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// PaperAdapter syncs one source's labels and papers. Sources without a
// label table only run the paper stage.
type PaperAdapter struct {
	source   *DB
	target   *canonical.Repository
	embedder Embedder
	mapper   Mapper
	pipeline checkpoint.Pipeline
	logger   *zap.Logger
}

// NewPaperAdapter creates the adapter for mapper's source. A nil embedder
// leaves question embeddings untouched.
func NewPaperAdapter(source *DB, target *canonical.Repository, embedder Embedder, mapper Mapper, logger *zap.Logger) *PaperAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := mapper.FromType() + "_sync"
	pipeline := checkpoint.NewPipeline(name, StagePaper)
	if _, ok := mapper.(LabelMapper); ok {
		pipeline = checkpoint.NewPipeline(name, StageLabel, StagePaper)
	}
	return &PaperAdapter{
		source:   source,
		target:   target,
		embedder: embedder,
		mapper:   mapper,
		pipeline: pipeline,
		logger:   logger.With(zap.String("from_ty", mapper.FromType())),
	}
}

func (a *PaperAdapter) Pipeline() checkpoint.Pipeline {
	return a.pipeline
}

func (a *PaperAdapter) table(stage checkpoint.Stage) (Table, error) {
	switch {
	case stage == StagePaper:
		return TablePaper, nil
	case stage == StageLabel && a.pipeline.Contains(StageLabel):
		return TableLabel, nil
	}
	return "", fmt.Errorf("stage %s is not part of %s", stage, a.pipeline.Name)
}

func (a *PaperAdapter) ComputeTotal(ctx context.Context, stage checkpoint.Stage) (int64, error) {
	t, err := a.table(stage)
	if err != nil {
		return 0, err
	}
	return a.source.MaxID(ctx, t, a.mapper.FromType())
}

func (a *PaperAdapter) Extract(ctx context.Context, stage checkpoint.Stage, after, upTo int64, window int) ([]scheduler.Row, error) {
	t, err := a.table(stage)
	if err != nil {
		return nil, err
	}
	recs, err := a.source.Extract(ctx, t, a.mapper.FromType(), after, upTo, window)
	if err != nil {
		return nil, err
	}
	rows := make([]scheduler.Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, scheduler.Row{ID: rec.ID, Data: rec})
	}
	return rows, nil
}

func (a *PaperAdapter) Load(ctx context.Context, stage checkpoint.Stage, row scheduler.Row) (int64, error) {
	rec, ok := row.Data.(Record)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected row payload %T", ErrMalformedRow, row.Data)
	}
	switch stage {
	case StageLabel:
		return a.loadLabel(ctx, rec)
	case StagePaper:
		return a.loadPaper(ctx, rec)
	}
	return 0, fmt.Errorf("stage %s is not part of %s", stage, a.pipeline.Name)
}

func (a *PaperAdapter) loadLabel(ctx context.Context, rec Record) (int64, error) {
	lm, ok := a.mapper.(LabelMapper)
	if !ok {
		return 0, fmt.Errorf("%s has no label table", a.mapper.FromType())
	}
	path, err := lm.Label(rec)
	if err != nil {
		return 0, err
	}
	ref, err := a.target.SaveLabelPath(ctx, a.mapper.FromType(), path)
	if err != nil {
		return 0, err
	}
	if err := a.source.Linkback(ctx, TableLabel, a.mapper.FromType(), rec.ID, ref.ID); err != nil {
		return 0, err
	}
	return ref.ID, nil
}

func (a *PaperAdapter) loadPaper(ctx context.Context, rec Record) (int64, error) {
	fromType := a.mapper.FromType()
	mp, err := a.mapper.Paper(rec)
	if err != nil {
		return 0, err
	}

	bundle := canonical.PaperBundle{Paper: canonical.Paper{
		FromType: fromType,
		SourceID: rec.ID,
		Title:    mp.Title,
		Year:     mp.Year,
		Extra:    mp.Extra,
	}}
	if mp.Label == nil {
		if !rec.ParentID.Valid {
			return 0, fmt.Errorf("%w: paper#%d has no label", ErrUnresolvedLabel, rec.ID)
		}
		target, err := a.source.LabelTarget(ctx, rec.ParentID.Int64)
		if err != nil {
			return 0, err
		}
		if bundle.Paper.Label, err = a.target.GetLabel(ctx, target); err != nil {
			return 0, err
		}
	}

	if err := a.collectQuestions(ctx, rec.ID, &bundle); err != nil {
		return 0, err
	}

	result, err := a.target.SavePaper(ctx, bundle, mp.Label)
	if err != nil {
		return 0, err
	}

	for sourceID, targetID := range result.QuestionIDs {
		if err := a.source.Linkback(ctx, TableQuestion, fromType, sourceID, targetID); err != nil {
			return 0, err
		}
	}
	for sourceID, targetID := range result.MaterialIDs {
		if err := a.source.Linkback(ctx, TableMaterial, fromType, sourceID, targetID); err != nil {
			return 0, err
		}
	}
	// the paper marker goes last: it is what extraction filters on
	if err := a.source.Linkback(ctx, TablePaper, fromType, rec.ID, result.PaperID); err != nil {
		return 0, err
	}

	a.logger.Debug("Paper synced",
		zap.Int64("source_id", rec.ID),
		zap.Int64("paper_id", result.PaperID),
		zap.Int("questions", len(result.QuestionIDs)),
		zap.Int("materials", len(result.MaterialIDs)))
	return result.PaperID, nil
}

func (a *PaperAdapter) collectQuestions(ctx context.Context, paperID int64, bundle *canonical.PaperBundle) error {
	fromType := a.mapper.FromType()

	qrecs, err := a.source.PaperQuestions(ctx, fromType, paperID)
	if err != nil {
		return err
	}
	texts := make([]string, 0, len(qrecs))
	var referenced []int64
	for _, qr := range qrecs {
		mq, err := a.mapper.Question(qr)
		if err != nil {
			return err
		}
		sort, err := sortNumber("question", qr.ID, qr.Sort)
		if err != nil {
			return err
		}
		bundle.Questions = append(bundle.Questions, canonical.PaperQuestion{
			Question: canonical.Question{
				FromType: fromType,
				SourceID: qr.ID,
				Content:  mq.Content,
				Extra:    mq.Extra,
			},
			Sort:         sort,
			CorrectRatio: mq.CorrectRatio,
		})
		texts = append(texts, mq.Text)
		referenced = append(referenced, mq.MaterialIDs...)
	}

	if a.embedder != nil && len(texts) > 0 {
		vectors, err := a.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed questions of paper#%d: %w", paperID, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d questions", len(vectors), len(texts))
		}
		for i := range bundle.Questions {
			bundle.Questions[i].Question.Embedding = vectors[i]
		}
	}

	mrecs, err := a.source.PaperMaterials(ctx, fromType, paperID)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(mrecs))
	var last int64
	for _, mr := range mrecs {
		seen[mr.ID] = true
		if mr.Sort > last {
			last = mr.Sort
		}
	}

	var missing []int64
	for _, id := range referenced {
		if !seen[id] {
			seen[id] = true
			missing = append(missing, id)
		}
	}
	extra, err := a.source.Materials(ctx, fromType, missing)
	if err != nil {
		return err
	}
	for _, mr := range extra {
		last++
		mr.Sort = last
		mrecs = append(mrecs, mr)
	}

	for _, mr := range mrecs {
		m, err := a.mapper.Material(mr)
		if err != nil {
			return err
		}
		sort, err := sortNumber("material", mr.ID, mr.Sort)
		if err != nil {
			return err
		}
		bundle.Materials = append(bundle.Materials, canonical.PaperMaterial{Material: m, Sort: sort})
	}
	return nil
}
