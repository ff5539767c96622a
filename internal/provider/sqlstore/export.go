package sqlstore

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// CreatePdfExport inserts the export unless one exists for (run, variant).
func (p *SQLProvider) CreatePdfExport(ctx context.Context, export types.PdfExport) (*types.PdfExport, bool, error) {
	row := exportToRow(export)
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "audit_run_id"}, {Name: "variant"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("creating pdf export: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &export, true, nil
	}
	existing, err := p.GetPdfExport(ctx, export.AuditRunID, export.Variant)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetPdfExport loads the export for (run, variant).
func (p *SQLProvider) GetPdfExport(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	var row pdfExportRow
	err := p.db.WithContext(ctx).
		Where("audit_run_id = ? AND variant = ?", auditRunID, string(variant)).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, "pdf export %s/%s", auditRunID, variant)
	}
	e := row.toDomain()
	return &e, nil
}

// CompareAndSwapPdfExport replaces the export when its version matches.
func (p *SQLProvider) CompareAndSwapPdfExport(ctx context.Context, expectedVersion int, export types.PdfExport) (bool, error) {
	row := exportToRow(export)
	ok, err := casUpdate(p.db.WithContext(ctx), &pdfExportRow{}, export.ID, expectedVersion, &row)
	if err != nil {
		return false, fmt.Errorf("updating pdf export %s: %w", export.ID, err)
	}
	return ok, nil
}
