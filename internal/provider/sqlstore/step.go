package sqlstore

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// PutVerificationStep inserts a new step.
func (p *SQLProvider) PutVerificationStep(ctx context.Context, step types.VerificationStep) error {
	row := stepToRow(step)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("verification step %q already exists: %w", step.ID, types.ErrConflict)
		}
		return fmt.Errorf("inserting verification step: %w", err)
	}
	return nil
}

// GetVerificationStep loads a step by id.
func (p *SQLProvider) GetVerificationStep(ctx context.Context, id string) (*types.VerificationStep, error) {
	var row verificationStepRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "verification step %q", id)
	}
	step := row.toDomain()
	return &step, nil
}

// ListVerificationSteps returns a run's steps in creation order.
func (p *SQLProvider) ListVerificationSteps(ctx context.Context, auditRunID string) ([]types.VerificationStep, error) {
	var rows []verificationStepRow
	if err := p.db.WithContext(ctx).Where("audit_run_id = ?", auditRunID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.VerificationStep, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CompareAndSwapVerificationStep replaces the step when its version matches.
func (p *SQLProvider) CompareAndSwapVerificationStep(ctx context.Context, id string, expectedVersion int, step types.VerificationStep) (bool, error) {
	row := stepToRow(step)
	ok, err := casUpdate(p.db.WithContext(ctx), &verificationStepRow{}, id, expectedVersion, &row)
	if err != nil {
		return false, fmt.Errorf("updating verification step %s: %w", id, err)
	}
	return ok, nil
}
