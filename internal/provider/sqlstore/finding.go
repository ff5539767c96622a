package sqlstore

import (
	"context"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// GetFindingByFingerprint loads a finding by its project-scoped fingerprint.
func (p *SQLProvider) GetFindingByFingerprint(ctx context.Context, projectID, fingerprint string) (*types.Finding, error) {
	var row findingRow
	err := p.db.WithContext(ctx).
		Where("project_id = ? AND stable_fingerprint = ?", projectID, fingerprint).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, "finding %q", fingerprint)
	}
	f := row.toDomain()
	return &f, nil
}

// ListFindings returns a project's findings ordered by fingerprint.
func (p *SQLProvider) ListFindings(ctx context.Context, projectID string) ([]types.Finding, error) {
	var rows []findingRow
	if err := p.db.WithContext(ctx).Where("project_id = ?", projectID).Order("stable_fingerprint").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Finding, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListFindingInstances returns the instances recorded by one run.
func (p *SQLProvider) ListFindingInstances(ctx context.Context, auditRunID string) ([]types.FindingInstance, error) {
	var rows []findingInstanceRow
	if err := p.db.WithContext(ctx).Where("audit_run_id = ?", auditRunID).Order("finding_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.FindingInstance, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.FindingInstance{
			FindingID:  r.FindingID,
			AuditRunID: r.AuditRunID,
			RevisionID: r.RevisionID,
			Severity:   types.Severity(r.Severity),
			Payload:    rawJSON(r.Payload),
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

// ListFindingTransitions returns a finding's lifecycle edges ordered by target run.
func (p *SQLProvider) ListFindingTransitions(ctx context.Context, findingID string) ([]types.FindingTransition, error) {
	var rows []findingTransitionRow
	if err := p.db.WithContext(ctx).Where("finding_id = ?", findingID).Order("to_audit_run_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.FindingTransition, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.FindingTransition{
			FindingID:      r.FindingID,
			FromAuditRunID: r.FromAuditRunID,
			ToAuditRunID:   r.ToAuditRunID,
			Transition:     types.FindingStatus(r.Transition),
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}
