package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/scheduler"
)

// StageSaveAssets copies every pending asset into object storage
const StageSaveAssets checkpoint.Stage = "save_assets"

// AssetRepository is the canonical side of the asset pipeline
type AssetRepository interface {
	MaxAssetID(ctx context.Context) (int64, error)
	PendingAssets(ctx context.Context, after, upTo int64, limit int) ([]canonical.Asset, error)
	MarkAssetStored(ctx context.Context, id int64, storagePath string) error
}

// Fetcher downloads an asset body
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// AssetAdapter copies asset files into object storage. storage_path is the
// completion marker: it is written only after every prefix holds the file.
type AssetAdapter struct {
	repo         AssetRepository
	client       Client
	fetcher      Fetcher
	bucket       string
	prefixes     []string
	skipExisting bool
	pipeline     checkpoint.Pipeline
	logger       *zap.Logger
}

// NewAssetAdapter creates the assets_save adapter
func NewAssetAdapter(repo AssetRepository, client Client, fetcher Fetcher, cfg Config, logger *zap.Logger) *AssetAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefixes := cfg.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	return &AssetAdapter{
		repo:         repo,
		client:       client,
		fetcher:      fetcher,
		bucket:       cfg.Bucket,
		prefixes:     prefixes,
		skipExisting: cfg.SkipExisting,
		pipeline:     checkpoint.NewPipeline("assets_save", StageSaveAssets),
		logger:       logger,
	}
}

func (a *AssetAdapter) Pipeline() checkpoint.Pipeline {
	return a.pipeline
}

func (a *AssetAdapter) ComputeTotal(ctx context.Context, stage checkpoint.Stage) (int64, error) {
	if stage != StageSaveAssets {
		return 0, fmt.Errorf("stage %s is not part of %s", stage, a.pipeline.Name)
	}
	return a.repo.MaxAssetID(ctx)
}

func (a *AssetAdapter) Extract(ctx context.Context, stage checkpoint.Stage, after, upTo int64, window int) ([]scheduler.Row, error) {
	if stage != StageSaveAssets {
		return nil, fmt.Errorf("stage %s is not part of %s", stage, a.pipeline.Name)
	}
	assets, err := a.repo.PendingAssets(ctx, after, upTo, window)
	if err != nil {
		return nil, err
	}
	rows := make([]scheduler.Row, 0, len(assets))
	for _, asset := range assets {
		rows = append(rows, scheduler.Row{ID: asset.ID, Data: asset})
	}
	return rows, nil
}

func (a *AssetAdapter) Load(ctx context.Context, stage checkpoint.Stage, row scheduler.Row) (int64, error) {
	asset, ok := row.Data.(canonical.Asset)
	if !ok {
		return 0, fmt.Errorf("unexpected asset payload %T", row.Data)
	}
	if asset.SrcURL == "" {
		return 0, fmt.Errorf("asset#%d has no source url", asset.ID)
	}

	storagePath := asset.ComputeStoragePath()
	var (
		body        []byte
		contentType string
	)
	for _, prefix := range a.prefixes {
		key := objectKey(prefix, storagePath)
		if a.skipExisting && a.exists(ctx, key) {
			a.logger.Debug("Skipping existing object", zap.String("key", key))
			continue
		}

		if body == nil {
			var err error
			if body, contentType, err = a.fetcher.Fetch(ctx, asset.SrcURL); err != nil {
				return 0, err
			}
		}
		if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{"src-type": asset.SrcType},
		}); err != nil {
			return 0, fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	if err := a.repo.MarkAssetStored(ctx, asset.ID, storagePath); err != nil {
		return 0, err
	}
	a.logger.Debug("Asset stored",
		zap.Int64("asset_id", asset.ID),
		zap.String("storage_path", storagePath),
		zap.Int("size", len(body)))
	return asset.ID, nil
}

func (a *AssetAdapter) exists(ctx context.Context, key string) bool {
	info, err := a.client.HeadObject(ctx, a.bucket, key)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			a.logger.Warn("Failed to stat object", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return info.Size > 0
}

func objectKey(prefix, storagePath string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return storagePath
	}
	return path.Join(prefix, storagePath)
}
