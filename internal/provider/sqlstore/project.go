package sqlstore

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// CreateProject inserts a project row.
func (p *SQLProvider) CreateProject(ctx context.Context, project types.Project) error {
	row := projectToRow(project)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return &types.ConflictError{Resource: types.ResourceProject, Key: project.ID, ExistingID: project.ID}
		}
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// GetProject loads a project by id, including soft-deleted ones.
func (p *SQLProvider) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var row projectRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "project %q", id)
	}
	project := row.toDomain()
	return &project, nil
}

// UpdateProject overwrites the mutable project fields.
func (p *SQLProvider) UpdateProject(ctx context.Context, project types.Project) error {
	row := projectToRow(project)
	res := p.db.WithContext(ctx).Model(&projectRow{}).
		Where("id = ?", project.ID).
		Select("*").Omit("id", "created_at").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("updating project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("project %q: %w", project.ID, provider.ErrNotFound)
	}
	return nil
}
