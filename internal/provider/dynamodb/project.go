package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// CreateProject stores a new project. A second create for the same id conflicts.
func (p *DynamoDBProvider) CreateProject(ctx context.Context, project types.Project) error {
	item, err := encodeItem(projectPK(project.ID), skProject, project)
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
			return &types.ConflictError{Resource: types.ResourceProject, Key: project.ID, ExistingID: project.ID}
		}
		return fmt.Errorf("creating project %s: %w", project.ID, err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (p *DynamoDBProvider) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var project types.Project
	found, err := p.getData(ctx, projectPK(id), skProject, &project)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("project %q: %w", id, provider.ErrNotFound)
	}
	return &project, nil
}

// UpdateProject replaces an existing project.
func (p *DynamoDBProvider) UpdateProject(ctx context.Context, project types.Project) error {
	item, err := encodeItem(projectPK(project.ID), skProject, project)
	if err != nil {
		return err
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("project %q: %w", project.ID, provider.ErrNotFound)
		}
		return fmt.Errorf("updating project %s: %w", project.ID, err)
	}
	return nil
}
