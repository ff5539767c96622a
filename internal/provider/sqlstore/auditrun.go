package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// CreateAuditRun inserts a run. The unique index on active_project_id rejects
// a second queued or running run for the same project.
func (p *SQLProvider) CreateAuditRun(ctx context.Context, run types.AuditRun) error {
	row := auditRunToRow(run)
	err := p.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}
	if !isDuplicate(err) {
		return fmt.Errorf("creating audit run: %w", err)
	}
	conflict := &types.ConflictError{Resource: types.ResourceAuditRun, Key: run.ProjectID}
	var holder auditRunRow
	if err := p.db.WithContext(ctx).Where("active_project_id = ?", run.ProjectID).Take(&holder).Error; err == nil {
		conflict.ExistingID = holder.ID
	}
	return conflict
}

// GetAuditRun loads a run by id.
func (p *SQLProvider) GetAuditRun(ctx context.Context, id string) (*types.AuditRun, error) {
	var row auditRunRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "audit run %q", id)
	}
	run := row.toDomain()
	return &run, nil
}

// ListAuditRuns returns a project's runs, newest first.
func (p *SQLProvider) ListAuditRuns(ctx context.Context, projectID string, limit int) ([]types.AuditRun, error) {
	q := p.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []auditRunRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.AuditRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// GetActiveAuditRun returns the project's queued or running run.
func (p *SQLProvider) GetActiveAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	var row auditRunRow
	if err := p.db.WithContext(ctx).Where("active_project_id = ?", projectID).Take(&row).Error; err != nil {
		return nil, notFound(err, "active audit run for %q", projectID)
	}
	run := row.toDomain()
	return &run, nil
}

// CompareAndSwapAuditRun replaces the run when its version matches. Terminal
// statuses clear active_project_id, releasing the project's slot.
func (p *SQLProvider) CompareAndSwapAuditRun(ctx context.Context, id string, expectedVersion int, run types.AuditRun) (bool, error) {
	row := auditRunToRow(run)
	ok, err := casUpdate(p.db.WithContext(ctx), &auditRunRow{}, id, expectedVersion, &row)
	if err != nil {
		return false, fmt.Errorf("updating audit run %s: %w", id, err)
	}
	return ok, nil
}

// LatestCompletedAuditRun returns the most recently finished completed run,
// ties broken by id.
func (p *SQLProvider) LatestCompletedAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	row, err := latestCompleted(p.db.WithContext(ctx), projectID, "")
	if err != nil {
		return nil, notFound(err, "completed audit run for %q", projectID)
	}
	run := row.toDomain()
	return &run, nil
}

func latestCompleted(tx *gorm.DB, projectID, exclude string) (auditRunRow, error) {
	q := tx.Where("project_id = ? AND status = ?", projectID, string(types.RunCompleted))
	if exclude != "" {
		q = q.Where("id <> ?", exclude)
	}
	var row auditRunRow
	err := q.Order("finished_at DESC").Order("id DESC").Take(&row).Error
	return row, err
}

// CompleteAuditRun moves the run to completed and writes the finding diff in
// one transaction, after confirming the diff's predecessor is still the latest
// completed run.
func (p *SQLProvider) CompleteAuditRun(ctx context.Context, c provider.Completion) (bool, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := auditRunToRow(c.Run)
		ok, err := casUpdate(tx, &auditRunRow{}, c.Run.ID, c.ExpectedVersion, &row)
		if err != nil {
			return err
		}
		if !ok {
			return errVersionMismatch
		}

		prev, err := latestCompleted(p.forUpdate(tx), c.Run.ProjectID, c.Run.ID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			prev = auditRunRow{}
		case err != nil:
			return err
		}
		if prev.ID != c.PreviousRunID {
			return fmt.Errorf("expected %q, found %q: %w", c.PreviousRunID, prev.ID, provider.ErrStalePredecessor)
		}

		for _, f := range c.Findings {
			fr := findingToRow(f)
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&fr).Error
			if err != nil {
				return fmt.Errorf("upserting finding %s: %w", f.StableFingerprint, err)
			}
		}
		if len(c.Instances) > 0 {
			rows := make([]findingInstanceRow, 0, len(c.Instances))
			for _, i := range c.Instances {
				rows = append(rows, findingInstanceRow{
					FindingID:  i.FindingID,
					AuditRunID: i.AuditRunID,
					RevisionID: i.RevisionID,
					Severity:   string(i.Severity),
					Payload:    []byte(i.Payload),
					CreatedAt:  i.CreatedAt,
				})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return fmt.Errorf("inserting finding instances: %w", err)
			}
		}
		if len(c.Transitions) > 0 {
			rows := make([]findingTransitionRow, 0, len(c.Transitions))
			for _, t := range c.Transitions {
				rows = append(rows, findingTransitionRow{
					FindingID:      t.FindingID,
					FromAuditRunID: t.FromAuditRunID,
					ToAuditRunID:   t.ToAuditRunID,
					Transition:     string(t.Transition),
					CreatedAt:      t.CreatedAt,
				})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return fmt.Errorf("inserting finding transitions: %w", err)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errVersionMismatch):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("completing audit run %s: %w", c.Run.ID, err)
	}
	return true, nil
}
