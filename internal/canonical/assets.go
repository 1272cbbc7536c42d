package canonical

import (
	"context"
	"fmt"
)

// MaxAssetID returns the largest asset id, 0 for an empty table
func (r *Repository) MaxAssetID(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COALESCE(MAX(id), 0) FROM assets`); err != nil {
		return 0, fmt.Errorf("failed to get max asset id: %w", err)
	}
	return total, nil
}

// PendingAssets returns assets not yet copied to storage with after < id <= upTo
func (r *Repository) PendingAssets(ctx context.Context, after, upTo int64, limit int) ([]Asset, error) {
	var assets []Asset
	err := r.db.SelectContext(ctx, &assets, `
		SELECT id, src_type, src_url, storage_path, created
		FROM assets
		WHERE storage_path IS NULL AND id > $1 AND id <= $2
		ORDER BY id
		LIMIT $3
	`, after, upTo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending assets after %d: %w", after, err)
	}
	return assets, nil
}

// MarkAssetStored records where an asset was written
func (r *Repository) MarkAssetStored(ctx context.Context, id int64, storagePath string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE assets SET storage_path = $1, modified = now() WHERE id = $2
	`, storagePath, id)
	if err != nil {
		return fmt.Errorf("failed to mark asset %d stored: %w", id, err)
	}
	return nil
}
