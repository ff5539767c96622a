package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// AppendJobEvent stores a job event that expires after the retention window.
func (p *DynamoDBProvider) AppendJobEvent(ctx context.Context, event types.JobEvent) error {
	item, err := encodeItem(projectPK(event.ProjectID), jobEventSK(event.ID), event)
	if err != nil {
		return err
	}
	item["ttl"] = num(ttlEpoch(p.jobEventTTL))
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("appending job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a project's unexpired job events, newest first.
func (p *DynamoDBProvider) ListJobEvents(ctx context.Context, projectID string, limit int) ([]types.JobEvent, error) {
	items, err := p.queryPrefix(ctx, projectPK(projectID), prefixJobEvent, false, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job events: %w", err)
	}
	live := items[:0]
	for _, item := range items {
		ttlVal, _ := attributeInt(item, "ttl")
		if isExpired(ttlVal) {
			continue
		}
		live = append(live, item)
	}
	return decodeAll[types.JobEvent](p, live, "job event"), nil
}
