package dynamodb

import (
	"context"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// CommitRevision writes the revision, its file map and the optional working
// copy swap. The revision item and the swap are written by the last
// transaction, so a revision is never visible without its files.
func (p *DynamoDBProvider) CommitRevision(ctx context.Context, commit provider.RevisionCommit) (bool, error) {
	rev := commit.Revision
	item, err := encodeItem(revisionPK(rev.ID), skRevision, rev)
	if err != nil {
		return false, err
	}
	item["GSI1PK"] = str(projectPK(rev.ProjectID))
	item["GSI1SK"] = str(revisionGSISK(rev.ID))

	head := []ddbtypes.TransactWriteItem{p.put(item, "attribute_not_exists(PK)")}
	if wc := commit.WorkingCopy; wc != nil {
		swap, err := p.workingCopySwap(*wc, commit.ExpectedWorkingCopyVersion)
		if err != nil {
			return false, err
		}
		head = append(head, swap...)
	}

	children := make([]ddbtypes.TransactWriteItem, 0, len(commit.Files))
	for _, f := range commit.Files {
		fileItem, err := encodeItem(revisionPK(rev.ID), fileSK(f.Path), f)
		if err != nil {
			return false, err
		}
		children = append(children, p.put(fileItem, ""))
	}

	if err := p.writeWithChildren(ctx, head, children); err != nil {
		codes := cancellationCodes(err)
		switch {
		case conditionFailedAt(codes, 0):
			return false, &types.ConflictError{Resource: types.ResourceRevision, Key: rev.ID, ExistingID: rev.ID}
		case conditionFailedAt(codes, 1), conditionFailedAt(codes, 2):
			return false, nil
		}
		return false, fmt.Errorf("committing revision %s: %w", rev.ID, err)
	}
	return true, nil
}

// GetRevision retrieves a revision by id.
func (p *DynamoDBProvider) GetRevision(ctx context.Context, id string) (*types.Revision, error) {
	var rev types.Revision
	found, err := p.getData(ctx, revisionPK(id), skRevision, &rev)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("revision %q: %w", id, provider.ErrNotFound)
	}
	return &rev, nil
}

// ListRevisions returns a project's revisions, newest first.
func (p *DynamoDBProvider) ListRevisions(ctx context.Context, projectID string, limit int) ([]types.Revision, error) {
	items, err := p.queryIndex(ctx, projectPK(projectID), prefixRevision, false, limit)
	if err != nil {
		return nil, fmt.Errorf("listing revisions: %w", err)
	}
	return decodeAll[types.Revision](p, items, "revision"), nil
}

// ListRevisionFiles returns a revision's file map ordered by path.
func (p *DynamoDBProvider) ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error) {
	items, err := p.queryPrefix(ctx, revisionPK(revisionID), prefixFile, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing revision files: %w", err)
	}
	return decodeAll[types.RevisionFile](p, items, "revision file"), nil
}
