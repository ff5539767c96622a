package sqlstore

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// InsertBlobIfAbsent inserts the blob unless one with the same sha256 exists.
func (p *SQLProvider) InsertBlobIfAbsent(ctx context.Context, blob types.FileBlob) (*types.FileBlob, bool, error) {
	row := blobRow{
		ID:          blob.ID,
		SHA256:      blob.SHA256,
		Size:        blob.Size,
		StorageKey:  blob.StorageKey,
		ContentType: blob.ContentType,
		CreatedAt:   blob.CreatedAt,
	}
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sha256"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("inserting blob: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		stored := row.toDomain()
		return &stored, true, nil
	}
	existing, err := p.GetBlobBySHA(ctx, blob.SHA256)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetBlobBySHA loads a blob by its content hash.
func (p *SQLProvider) GetBlobBySHA(ctx context.Context, sha256 string) (*types.FileBlob, error) {
	var row blobRow
	if err := p.db.WithContext(ctx).Where("sha256 = ?", sha256).Take(&row).Error; err != nil {
		return nil, notFound(err, "blob %q", sha256)
	}
	blob := row.toDomain()
	return &blob, nil
}
