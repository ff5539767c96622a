package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const insertBatchSize = 100

var errVersionMismatch = errors.New("version mismatch")

// CommitRevision writes the revision, its files and the working copy swap in
// one transaction.
func (p *SQLProvider) CommitRevision(ctx context.Context, commit provider.RevisionCommit) (bool, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if wc := commit.WorkingCopy; wc != nil {
			row := workingCopyToRow(*wc)
			ok, err := casUpdate(tx, &workingCopyRow{}, wc.ID, commit.ExpectedWorkingCopyVersion, &row)
			if err != nil {
				return err
			}
			if !ok {
				return errVersionMismatch
			}
		}

		rev := revisionToRow(commit.Revision)
		if err := tx.Create(&rev).Error; err != nil {
			if isDuplicate(err) {
				return &types.ConflictError{Resource: types.ResourceRevision, Key: rev.ID, ExistingID: rev.ID}
			}
			return err
		}

		if len(commit.Files) == 0 {
			return nil
		}
		rows := make([]revisionFileRow, 0, len(commit.Files))
		for _, f := range commit.Files {
			rows = append(rows, revisionFileRow{
				RevisionID: commit.Revision.ID,
				Path:       f.Path,
				BlobID:     f.BlobID,
				SHA256:     f.SHA256,
				Size:       f.Size,
				Language:   string(f.Language),
				IsTestFile: f.IsTestFile,
			})
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if errors.Is(err, errVersionMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("committing revision %s: %w", commit.Revision.ID, err)
	}
	return true, nil
}

// GetRevision loads a revision by id.
func (p *SQLProvider) GetRevision(ctx context.Context, id string) (*types.Revision, error) {
	var row revisionRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "revision %q", id)
	}
	rev := row.toDomain()
	return &rev, nil
}

// ListRevisions returns a project's revisions, newest first.
func (p *SQLProvider) ListRevisions(ctx context.Context, projectID string, limit int) ([]types.Revision, error) {
	q := p.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []revisionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Revision, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListRevisionFiles returns a revision's files ordered by path.
func (p *SQLProvider) ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error) {
	var rows []revisionFileRow
	if err := p.db.WithContext(ctx).Where("revision_id = ?", revisionID).Order("path").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.RevisionFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.RevisionFile{
			RevisionID: r.RevisionID,
			Path:       r.Path,
			BlobID:     r.BlobID,
			SHA256:     r.SHA256,
			Size:       r.Size,
			Language:   types.Language(r.Language),
			IsTestFile: r.IsTestFile,
		})
	}
	return out, nil
}
