package dynamodb

import (
	"context"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const attrRunOwner = "auditRunId"

func (p *DynamoDBProvider) auditRunItem(run types.AuditRun) (map[string]ddbtypes.AttributeValue, error) {
	item, err := encodeItem(runPK(run.ID), skRun, run)
	if err != nil {
		return nil, err
	}
	item["GSI1PK"] = str(projectPK(run.ProjectID))
	item["GSI1SK"] = str(runGSISK(run.ID))
	item["status"] = str(string(run.Status))
	item["version"] = num(int64(run.Version))
	return item, nil
}

func (p *DynamoDBProvider) releaseActiveRun(run types.AuditRun) ddbtypes.TransactWriteItem {
	return p.releaseGuard(projectPK(run.ProjectID), skActiveRun, attrRunOwner, run.ID)
}

// CreateAuditRun stores a new run. A queued or running run also claims the
// project's active slot in the same transaction.
func (p *DynamoDBProvider) CreateAuditRun(ctx context.Context, run types.AuditRun) error {
	item, err := p.auditRunItem(run)
	if err != nil {
		return err
	}
	items := []ddbtypes.TransactWriteItem{p.put(item, "attribute_not_exists(PK)")}
	active := lifecycle.IsActive(run.Status)
	if active {
		guard := itemKey(projectPK(run.ProjectID), skActiveRun)
		guard[attrRunOwner] = str(run.ID)
		items = append([]ddbtypes.TransactWriteItem{p.put(guard, "attribute_not_exists(PK)")}, items...)
	}

	err = p.transact(ctx, items)
	if err == nil {
		return nil
	}
	codes := cancellationCodes(err)
	if active && conditionFailedAt(codes, 0) {
		existing, _ := p.activeRunID(ctx, run.ProjectID)
		return &types.ConflictError{Resource: types.ResourceAuditRun, Key: run.ProjectID, ExistingID: existing}
	}
	if conditionFailedAt(codes, len(items)-1) {
		return fmt.Errorf("audit run %q already exists: %w", run.ID, types.ErrConflict)
	}
	return fmt.Errorf("creating audit run %s: %w", run.ID, err)
}

// activeRunID returns the id holding the project's active slot, or "".
func (p *DynamoDBProvider) activeRunID(ctx context.Context, projectID string) (string, error) {
	return p.pointer(ctx, projectPK(projectID), skActiveRun)
}

// lastCompletedID returns the id of the project's latest completed run, or "".
func (p *DynamoDBProvider) lastCompletedID(ctx context.Context, projectID string) (string, error) {
	return p.pointer(ctx, projectPK(projectID), skLastCompleted)
}

func (p *DynamoDBProvider) pointer(ctx context.Context, pk, sk string) (string, error) {
	item, err := p.getRaw(ctx, pk, sk)
	if err != nil || item == nil {
		return "", err
	}
	return attributeStr(item, attrRunOwner)
}

// GetAuditRun retrieves an audit run by id.
func (p *DynamoDBProvider) GetAuditRun(ctx context.Context, id string) (*types.AuditRun, error) {
	var run types.AuditRun
	found, err := p.getData(ctx, runPK(id), skRun, &run)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("audit run %q: %w", id, provider.ErrNotFound)
	}
	return &run, nil
}

// ListAuditRuns returns a project's runs, newest first.
func (p *DynamoDBProvider) ListAuditRuns(ctx context.Context, projectID string, limit int) ([]types.AuditRun, error) {
	items, err := p.queryIndex(ctx, projectPK(projectID), prefixRun, false, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit runs: %w", err)
	}
	return decodeAll[types.AuditRun](p, items, "audit run"), nil
}

// GetActiveAuditRun returns the project's queued or running run.
func (p *DynamoDBProvider) GetActiveAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	id, err := p.activeRunID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("active audit run for %q: %w", projectID, provider.ErrNotFound)
	}
	return p.GetAuditRun(ctx, id)
}

// CompareAndSwapAuditRun replaces the run when its version matches. Leaving
// the active statuses releases the project's slot in the same transaction.
func (p *DynamoDBProvider) CompareAndSwapAuditRun(ctx context.Context, id string, expectedVersion int, run types.AuditRun) (bool, error) {
	run.ID = id
	item, err := p.auditRunItem(run)
	if err != nil {
		return false, err
	}
	items := []ddbtypes.TransactWriteItem{p.casPut(item, expectedVersion)}
	if !lifecycle.IsActive(run.Status) {
		items = append(items, p.releaseActiveRun(run))
	}
	if err := p.transact(ctx, items); err != nil {
		codes := cancellationCodes(err)
		if conditionFailedAt(codes, 0) || conditionFailedAt(codes, 1) {
			return false, nil
		}
		return false, fmt.Errorf("updating audit run %s: %w", id, err)
	}
	return true, nil
}

// LatestCompletedAuditRun follows the project's completion pointer.
func (p *DynamoDBProvider) LatestCompletedAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	id, err := p.lastCompletedID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("completed audit run for %q: %w", projectID, provider.ErrNotFound)
	}
	return p.GetAuditRun(ctx, id)
}
