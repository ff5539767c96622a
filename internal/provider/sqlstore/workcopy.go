package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

const openAttempts = 3

// OpenWorkingCopy inserts the working copy and its seed files unless the
// live-key unique index already holds a copy for the triple.
func (p *SQLProvider) OpenWorkingCopy(ctx context.Context, wc types.WorkingCopy, files []types.WorkingCopyFile) (*types.WorkingCopy, bool, error) {
	key := wc.LiveKey()
	for attempt := 0; attempt < openAttempts; attempt++ {
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := workingCopyToRow(wc)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			if len(files) == 0 {
				return nil
			}
			rows := make([]workingCopyFileRow, 0, len(files))
			for _, f := range files {
				rows = append(rows, workingCopyFileToRow(wc.ID, f))
			}
			return tx.CreateInBatches(rows, insertBatchSize).Error
		})
		if err == nil {
			return &wc, true, nil
		}
		if !isDuplicate(err) {
			return nil, false, fmt.Errorf("opening working copy: %w", err)
		}

		var existing workingCopyRow
		err = p.db.WithContext(ctx).Where("live_key = ?", key).Take(&existing).Error
		if err == nil {
			out := existing.toDomain()
			return &out, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
		// The holder was discarded between our insert and read; try again.
	}
	return nil, false, &types.ConflictError{Resource: types.ResourceWorkingCopy, Key: key}
}

// GetWorkingCopy loads a working copy by id.
func (p *SQLProvider) GetWorkingCopy(ctx context.Context, id string) (*types.WorkingCopy, error) {
	var row workingCopyRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "working copy %q", id)
	}
	wc := row.toDomain()
	return &wc, nil
}

// ListWorkingCopies returns every working copy of a project in creation order.
func (p *SQLProvider) ListWorkingCopies(ctx context.Context, projectID string) ([]types.WorkingCopy, error) {
	var rows []workingCopyRow
	if err := p.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.WorkingCopy, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListWorkingCopyFiles returns a working copy's files ordered by path.
func (p *SQLProvider) ListWorkingCopyFiles(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error) {
	var rows []workingCopyFileRow
	if err := p.db.WithContext(ctx).Where("working_copy_id = ?", workingCopyID).Order("path").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.WorkingCopyFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.WorkingCopyFile{
			WorkingCopyID: r.WorkingCopyID,
			Path:          r.Path,
			Content:       r.Content,
			Language:      types.Language(r.Language),
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return out, nil
}

// PutWorkingCopyFile upserts a file while the working copy is active.
func (p *SQLProvider) PutWorkingCopyFile(ctx context.Context, file types.WorkingCopyFile) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.requireActive(tx, file.WorkingCopyID); err != nil {
			return err
		}
		row := workingCopyFileToRow(file.WorkingCopyID, file)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "working_copy_id"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "language", "updated_at"}),
		}).Create(&row).Error
	})
}

// DeleteWorkingCopyFile removes a file while the working copy is active.
func (p *SQLProvider) DeleteWorkingCopyFile(ctx context.Context, workingCopyID, path string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.requireActive(tx, workingCopyID); err != nil {
			return err
		}
		return tx.Where("working_copy_id = ? AND path = ?", workingCopyID, path).Delete(&workingCopyFileRow{}).Error
	})
}

func (p *SQLProvider) requireActive(tx *gorm.DB, id string) error {
	var row workingCopyRow
	if err := p.forUpdate(tx).Where("id = ?", id).Take(&row).Error; err != nil {
		return notFound(err, "working copy %q", id)
	}
	if types.WorkingCopyStatus(row.Status) != types.WorkingCopyActive {
		return fmt.Errorf("working copy %q is %s: %w", id, row.Status, types.ErrWorkingCopyNotActive)
	}
	return nil
}

// CompareAndSwapWorkingCopy replaces the working copy when its version matches.
// Leaving the live states clears the live key, freeing the triple.
func (p *SQLProvider) CompareAndSwapWorkingCopy(ctx context.Context, id string, expectedVersion int, wc types.WorkingCopy) (bool, error) {
	row := workingCopyToRow(wc)
	ok, err := casUpdate(p.db.WithContext(ctx), &workingCopyRow{}, id, expectedVersion, &row)
	if err != nil {
		return false, fmt.Errorf("updating working copy %s: %w", id, err)
	}
	return ok, nil
}

func workingCopyFileToRow(wcID string, f types.WorkingCopyFile) workingCopyFileRow {
	return workingCopyFileRow{
		WorkingCopyID: wcID,
		Path:          f.Path,
		Content:       f.Content,
		Language:      string(f.Language),
		UpdatedAt:     f.UpdatedAt,
	}
}

