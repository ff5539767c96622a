package dynamodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const (
	openAttempts = 3
	attrWCOwner  = "workingCopyId"
)

func (p *DynamoDBProvider) workingCopyItem(wc types.WorkingCopy) (map[string]ddbtypes.AttributeValue, error) {
	item, err := encodeItem(wcPK(wc.ID), skWC, wc)
	if err != nil {
		return nil, err
	}
	item["GSI1PK"] = str(projectPK(wc.ProjectID))
	item["GSI1SK"] = str(wcGSISK(wc.ID))
	item["status"] = str(string(wc.Status))
	item["version"] = num(int64(wc.Version))
	return item, nil
}

// workingCopySwap builds the version-guarded replacement of wc, releasing
// its live slot when the new status is no longer live.
func (p *DynamoDBProvider) workingCopySwap(wc types.WorkingCopy, expectedVersion int) ([]ddbtypes.TransactWriteItem, error) {
	item, err := p.workingCopyItem(wc)
	if err != nil {
		return nil, err
	}
	items := []ddbtypes.TransactWriteItem{p.casPut(item, expectedVersion)}
	if !lifecycle.IsLive(wc.Status) {
		items = append(items, p.releaseGuard(liveWCPK(wc.LiveKey()), skLiveWC, attrWCOwner, wc.ID))
	}
	return items, nil
}

// OpenWorkingCopy creates wc and its seed files unless a live copy already
// holds the (project, base revision, owner) slot.
func (p *DynamoDBProvider) OpenWorkingCopy(ctx context.Context, wc types.WorkingCopy, files []types.WorkingCopyFile) (*types.WorkingCopy, bool, error) {
	item, err := p.workingCopyItem(wc)
	if err != nil {
		return nil, false, err
	}
	guard := itemKey(liveWCPK(wc.LiveKey()), skLiveWC)
	guard[attrWCOwner] = str(wc.ID)
	head := []ddbtypes.TransactWriteItem{
		p.put(guard, "attribute_not_exists(PK)"),
		p.put(item, "attribute_not_exists(PK)"),
	}

	children := make([]ddbtypes.TransactWriteItem, 0, len(files))
	for _, f := range files {
		fileItem, err := encodeItem(wcPK(wc.ID), fileSK(f.Path), f)
		if err != nil {
			return nil, false, err
		}
		children = append(children, p.put(fileItem, ""))
	}

	for attempt := 0; attempt < openAttempts; attempt++ {
		err := p.writeWithChildren(ctx, head, children)
		if err == nil {
			return &wc, true, nil
		}
		if !conditionFailedAt(cancellationCodes(err), 0) {
			return nil, false, fmt.Errorf("opening working copy: %w", err)
		}
		existing, err := p.liveWorkingCopy(ctx, wc.LiveKey())
		if errors.Is(err, provider.ErrNotFound) {
			// Released between our write and the read; try again.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, &types.ConflictError{Resource: types.ResourceWorkingCopy, Key: wc.LiveKey()}
}

func (p *DynamoDBProvider) liveWorkingCopy(ctx context.Context, key string) (*types.WorkingCopy, error) {
	guard, err := p.getRaw(ctx, liveWCPK(key), skLiveWC)
	if err != nil {
		return nil, err
	}
	if guard == nil {
		return nil, fmt.Errorf("live working copy %q: %w", key, provider.ErrNotFound)
	}
	id, err := attributeStr(guard, attrWCOwner)
	if err != nil {
		return nil, err
	}
	return p.GetWorkingCopy(ctx, id)
}

// GetWorkingCopy retrieves a working copy by id.
func (p *DynamoDBProvider) GetWorkingCopy(ctx context.Context, id string) (*types.WorkingCopy, error) {
	var wc types.WorkingCopy
	found, err := p.getData(ctx, wcPK(id), skWC, &wc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("working copy %q: %w", id, provider.ErrNotFound)
	}
	return &wc, nil
}

// ListWorkingCopies returns every working copy of a project ordered by id.
func (p *DynamoDBProvider) ListWorkingCopies(ctx context.Context, projectID string) ([]types.WorkingCopy, error) {
	items, err := p.queryIndex(ctx, projectPK(projectID), prefixWC, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing working copies: %w", err)
	}
	return decodeAll[types.WorkingCopy](p, items, "working copy"), nil
}

// ListWorkingCopyFiles returns a working copy's files ordered by path.
func (p *DynamoDBProvider) ListWorkingCopyFiles(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error) {
	items, err := p.queryPrefix(ctx, wcPK(workingCopyID), prefixFile, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing working copy files: %w", err)
	}
	return decodeAll[types.WorkingCopyFile](p, items, "working copy file"), nil
}

// requireActive is a transaction check that the working copy is still active.
func (p *DynamoDBProvider) requireActive(workingCopyID string) ddbtypes.TransactWriteItem {
	return ddbtypes.TransactWriteItem{ConditionCheck: &ddbtypes.ConditionCheck{
		TableName:                 &p.tableName,
		Key:                       itemKey(wcPK(workingCopyID), skWC),
		ConditionExpression:       aws.String("#status = :active"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":active": str(string(types.WorkingCopyActive))},
	}}
}

// PutWorkingCopyFile upserts a file while the working copy is active.
func (p *DynamoDBProvider) PutWorkingCopyFile(ctx context.Context, file types.WorkingCopyFile) error {
	item, err := encodeItem(wcPK(file.WorkingCopyID), fileSK(file.Path), file)
	if err != nil {
		return err
	}
	err = p.transact(ctx, []ddbtypes.TransactWriteItem{
		p.requireActive(file.WorkingCopyID),
		p.put(item, ""),
	})
	if err != nil {
		return p.fileWriteError(ctx, file.WorkingCopyID, err)
	}
	return nil
}

// DeleteWorkingCopyFile removes a file while the working copy is active.
func (p *DynamoDBProvider) DeleteWorkingCopyFile(ctx context.Context, workingCopyID, path string) error {
	err := p.transact(ctx, []ddbtypes.TransactWriteItem{
		p.requireActive(workingCopyID),
		{Delete: &ddbtypes.Delete{TableName: &p.tableName, Key: itemKey(wcPK(workingCopyID), fileSK(path))}},
	})
	if err != nil {
		return p.fileWriteError(ctx, workingCopyID, err)
	}
	return nil
}

func (p *DynamoDBProvider) fileWriteError(ctx context.Context, workingCopyID string, err error) error {
	if !conditionFailedAt(cancellationCodes(err), 0) {
		return fmt.Errorf("writing working copy %s: %w", workingCopyID, err)
	}
	wc, gerr := p.GetWorkingCopy(ctx, workingCopyID)
	if gerr != nil {
		return gerr
	}
	return fmt.Errorf("working copy %q is %s: %w", workingCopyID, wc.Status, types.ErrWorkingCopyNotActive)
}

// CompareAndSwapWorkingCopy replaces the working copy when its version matches.
func (p *DynamoDBProvider) CompareAndSwapWorkingCopy(ctx context.Context, id string, expectedVersion int, wc types.WorkingCopy) (bool, error) {
	wc.ID = id
	items, err := p.workingCopySwap(wc, expectedVersion)
	if err != nil {
		return false, err
	}
	if err := p.transact(ctx, items); err != nil {
		codes := cancellationCodes(err)
		if conditionFailedAt(codes, 0) || conditionFailedAt(codes, 1) {
			return false, nil
		}
		return false, fmt.Errorf("updating working copy %s: %w", id, err)
	}
	return true, nil
}
