package sqlstore

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// AppendJobEvent inserts a job event row.
func (p *SQLProvider) AppendJobEvent(ctx context.Context, event types.JobEvent) error {
	row := jobEventRow{
		ID:        event.ID,
		ProjectID: event.ProjectID,
		QueueName: event.QueueName,
		JobID:     event.JobID,
		Event:     string(event.Event),
		Payload:   []byte(event.Payload),
		CreatedAt: event.CreatedAt,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a project's job events, newest first.
func (p *SQLProvider) ListJobEvents(ctx context.Context, projectID string, limit int) ([]types.JobEvent, error) {
	q := p.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []jobEventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.JobEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.JobEvent{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			QueueName: r.QueueName,
			JobID:     r.JobID,
			Event:     types.JobEventKind(r.Event),
			Payload:   rawJSON(r.Payload),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
