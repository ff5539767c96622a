package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

func stepItem(step types.VerificationStep) (map[string]ddbtypes.AttributeValue, error) {
	item, err := encodeItem(stepPK(step.ID), skStep, step)
	if err != nil {
		return nil, err
	}
	item["GSI1PK"] = str(runPK(step.AuditRunID))
	item["GSI1SK"] = str(stepGSISK(step.ID))
	item["version"] = num(int64(step.Version))
	return item, nil
}

// PutVerificationStep stores a new step.
func (p *DynamoDBProvider) PutVerificationStep(ctx context.Context, step types.VerificationStep) error {
	item, err := stepItem(step)
	if err != nil {
		return err
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("verification step %q already exists: %w", step.ID, types.ErrConflict)
		}
		return fmt.Errorf("inserting verification step: %w", err)
	}
	return nil
}

// GetVerificationStep retrieves a step by id.
func (p *DynamoDBProvider) GetVerificationStep(ctx context.Context, id string) (*types.VerificationStep, error) {
	var step types.VerificationStep
	found, err := p.getData(ctx, stepPK(id), skStep, &step)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("verification step %q: %w", id, provider.ErrNotFound)
	}
	return &step, nil
}

// ListVerificationSteps returns a run's steps in creation order.
func (p *DynamoDBProvider) ListVerificationSteps(ctx context.Context, auditRunID string) ([]types.VerificationStep, error) {
	items, err := p.queryIndex(ctx, runPK(auditRunID), prefixStep, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing verification steps: %w", err)
	}
	return decodeAll[types.VerificationStep](p, items, "verification step"), nil
}

// CompareAndSwapVerificationStep replaces the step when its version matches.
func (p *DynamoDBProvider) CompareAndSwapVerificationStep(ctx context.Context, id string, expectedVersion int, step types.VerificationStep) (bool, error) {
	step.ID = id
	item, err := stepItem(step)
	if err != nil {
		return false, err
	}
	cond, names, values := versionGuard(expectedVersion)
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &p.tableName,
		Item:                      item,
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("updating verification step %s: %w", id, err)
	}
	return true, nil
}
