package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Index of each guarded write in the final completion transaction.
const (
	completeRunIndex = iota
	completeSlotIndex
	completePointerIndex
)

// Staged finding state. A completion too large for one transaction writes
// each finding's next state to attrPendingData, tagged with its run in
// attrPendingRun, and leaves "data" untouched. Readers apply the pending state
// only once that run is completed.
const (
	attrPendingData = "pendingData"
	attrPendingRun  = "pendingRun"
)

// CompleteAuditRun moves the run to completed together with its finding diff.
// The guarded head swaps the run, releases the active slot and advances the
// LASTCOMPLETED pointer, conditioned on the pointer still naming
// c.PreviousRunID. When the diff fits, head and diff share one transaction;
// otherwise the diff is staged first and promoted after the head commits.
func (p *DynamoDBProvider) CompleteAuditRun(ctx context.Context, c provider.Completion) (bool, error) {
	run := c.Run
	prev, err := p.lastCompletedID(ctx, run.ProjectID)
	if err != nil {
		return false, err
	}
	if prev != c.PreviousRunID {
		return false, fmt.Errorf("expected %q, found %q: %w", c.PreviousRunID, prev, provider.ErrStalePredecessor)
	}
	current, err := p.GetAuditRun(ctx, run.ID)
	if errors.Is(err, provider.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Version != c.ExpectedVersion {
		return false, nil
	}

	runItem, err := p.auditRunItem(run)
	if err != nil {
		return false, err
	}
	head := []ddbtypes.TransactWriteItem{
		completeRunIndex:     p.casPut(runItem, c.ExpectedVersion),
		completeSlotIndex:    p.releaseActiveRun(run),
		completePointerIndex: p.advancePointer(run, c.PreviousRunID),
	}
	children, err := p.runChildItems(c)
	if err != nil {
		return false, err
	}

	if len(head)+len(c.Findings)+len(children) > maxTransactItems {
		return p.completeStaged(ctx, c, head, children)
	}
	all := make([]ddbtypes.TransactWriteItem, 0, len(head)+len(c.Findings)+len(children))
	all = append(all, head...)
	for _, f := range c.Findings {
		item, err := encodeItem(projectPK(f.ProjectID), findingSK(f.StableFingerprint), f)
		if err != nil {
			return false, err
		}
		all = append(all, p.put(item, ""))
	}
	if err := p.transact(ctx, append(all, children...)); err != nil {
		return completionFailure(run.ID, err)
	}
	return true, nil
}

// completeStaged writes the diff ahead of the head without exposing it:
// finding rows only gain pending attributes, instances and transitions live
// under the run's and findings' own keys. A failed head discards the staged
// state; a committed one promotes it.
func (p *DynamoDBProvider) completeStaged(ctx context.Context, c provider.Completion, head, children []ddbtypes.TransactWriteItem) (bool, error) {
	run := c.Run
	if err := p.settlePending(ctx, run.ProjectID, run.ID); err != nil {
		return false, fmt.Errorf("settling staged findings: %w", err)
	}

	items := make([]ddbtypes.TransactWriteItem, 0, len(c.Findings)+len(children))
	encoded := make([]string, len(c.Findings))
	for i, f := range c.Findings {
		data, err := json.Marshal(f)
		if err != nil {
			return false, err
		}
		encoded[i] = string(data)
		items = append(items, ddbtypes.TransactWriteItem{Update: &ddbtypes.Update{
			TableName:                 &p.tableName,
			Key:                       itemKey(projectPK(f.ProjectID), findingSK(f.StableFingerprint)),
			UpdateExpression:          aws.String("SET #pending = :pending, #pendingRun = :run"),
			ConditionExpression:       aws.String("attribute_not_exists(#pendingRun) OR #pendingRun = :run"),
			ExpressionAttributeNames:  pendingNames(),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":pending": str(string(data)), ":run": str(run.ID)},
		}})
	}
	items = append(items, children...)

	for start := 0; start < len(items); start += maxTransactItems {
		end := min(start+maxTransactItems, len(items))
		if err := p.transact(ctx, items[start:end]); err != nil {
			p.discardStaged(ctx, c)
			for _, code := range cancellationCodes(err) {
				if code == reasonConditionalCheckFailed {
					return false, fmt.Errorf("staging findings of %s: %w", run.ID, provider.ErrStalePredecessor)
				}
			}
			return false, fmt.Errorf("staging items %d-%d: %w", start, end, err)
		}
	}

	if err := p.transact(ctx, head); err != nil {
		p.discardStaged(ctx, c)
		return completionFailure(run.ID, err)
	}
	for i, f := range c.Findings {
		if err := p.resolvePending(ctx, projectPK(f.ProjectID), findingSK(f.StableFingerprint), run.ID, encoded[i]); err != nil {
			p.logger.Warn("failed to promote staged finding, readers apply it from the completed run",
				"auditRun", run.ID, "fingerprint", f.StableFingerprint, "error", err)
		}
	}
	return true, nil
}

func completionFailure(runID string, err error) (bool, error) {
	codes := cancellationCodes(err)
	switch {
	case conditionFailedAt(codes, completePointerIndex):
		return false, fmt.Errorf("completing audit run %s: %w", runID, provider.ErrStalePredecessor)
	case conditionFailedAt(codes, completeRunIndex), conditionFailedAt(codes, completeSlotIndex):
		return false, nil
	}
	return false, fmt.Errorf("completing audit run %s: %w", runID, err)
}

// discardStaged removes what completeStaged wrote for a run whose head did
// not commit. Failures are logged: pending finding state of a run that is
// not completed is never applied, and the next completion settles it.
func (p *DynamoDBProvider) discardStaged(ctx context.Context, c provider.Completion) {
	ctx = context.WithoutCancel(ctx)
	for _, f := range c.Findings {
		if err := p.resolvePending(ctx, projectPK(f.ProjectID), findingSK(f.StableFingerprint), c.Run.ID, ""); err != nil {
			p.logger.Warn("failed to discard staged finding", "auditRun", c.Run.ID,
				"fingerprint", f.StableFingerprint, "error", err)
		}
	}
	deletes := make([]ddbtypes.TransactWriteItem, 0, len(c.Instances)+len(c.Transitions))
	for _, inst := range c.Instances {
		deletes = append(deletes, p.deleteKey(runPK(inst.AuditRunID), instanceSK(inst.FindingID)))
	}
	for _, tr := range c.Transitions {
		deletes = append(deletes, p.deleteKey(findingPK(tr.FindingID), transitionSK(tr.ToAuditRunID, tr.FromAuditRunID)))
	}
	for start := 0; start < len(deletes); start += maxTransactItems {
		end := min(start+maxTransactItems, len(deletes))
		if err := p.transact(ctx, deletes[start:end]); err != nil {
			p.logger.Warn("failed to discard staged finding records", "auditRun", c.Run.ID, "error", err)
		}
	}
}

// settlePending resolves finding rows still staged by another run: the state
// of a completed run is promoted, anything else is dropped.
func (p *DynamoDBProvider) settlePending(ctx context.Context, projectID, runID string) error {
	items, err := p.queryPrefix(ctx, projectPK(projectID), prefixFinding, true, 0)
	if err != nil {
		return err
	}
	runs := make(map[string]bool)
	for _, item := range items {
		owner := optionalStr(item, attrPendingRun)
		if owner == "" || owner == runID {
			continue
		}
		completed, err := p.runCompleted(ctx, runs, owner)
		if err != nil {
			return err
		}
		data := ""
		if completed {
			data = optionalStr(item, attrPendingData)
		}
		if err := p.resolvePending(ctx, projectPK(projectID), optionalStr(item, "SK"), owner, data); err != nil {
			return err
		}
	}
	return nil
}

// resolvePending moves data into the committed "data" attribute of one
// finding row, or drops the pending state when data is empty, if runID still
// owns the row.
func (p *DynamoDBProvider) resolvePending(ctx context.Context, pk, sk, runID, data string) error {
	expr := "REMOVE #pending, #pendingRun"
	names := pendingNames()
	values := map[string]ddbtypes.AttributeValue{":run": str(runID)}
	if data != "" {
		expr = "SET #data = :data " + expr
		names["#data"] = "data"
		values[":data"] = str(data)
	}
	_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &p.tableName,
		Key:                       itemKey(pk, sk),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("#pendingRun = :run"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionalCheckFailed(err) {
		return nil
	}
	return err
}

// runCompleted reports whether run id is completed, memoizing lookups in seen.
func (p *DynamoDBProvider) runCompleted(ctx context.Context, seen map[string]bool, id string) (bool, error) {
	if done, ok := seen[id]; ok {
		return done, nil
	}
	run, err := p.GetAuditRun(ctx, id)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		seen[id] = false
	case err != nil:
		return false, err
	default:
		seen[id] = run.Status == types.RunCompleted
	}
	return seen[id], nil
}

func pendingNames() map[string]string {
	return map[string]string{"#pending": attrPendingData, "#pendingRun": attrPendingRun}
}

func (p *DynamoDBProvider) deleteKey(pk, sk string) ddbtypes.TransactWriteItem {
	return ddbtypes.TransactWriteItem{Delete: &ddbtypes.Delete{TableName: &p.tableName, Key: itemKey(pk, sk)}}
}

func (p *DynamoDBProvider) advancePointer(run types.AuditRun, previousRunID string) ddbtypes.TransactWriteItem {
	item := itemKey(projectPK(run.ProjectID), skLastCompleted)
	item[attrRunOwner] = str(run.ID)
	if previousRunID == "" {
		return p.put(item, "attribute_not_exists(PK)")
	}
	return ddbtypes.TransactWriteItem{Put: &ddbtypes.Put{
		TableName:                 &p.tableName,
		Item:                      item,
		ConditionExpression:       aws.String("#owner = :previous"),
		ExpressionAttributeNames:  map[string]string{"#owner": attrRunOwner},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":previous": str(previousRunID)},
	}}
}

// runChildItems encodes the instances and transitions of c. Each key is
// written at most once so the set can share one transaction.
func (p *DynamoDBProvider) runChildItems(c provider.Completion) ([]ddbtypes.TransactWriteItem, error) {
	items := make([]ddbtypes.TransactWriteItem, 0, len(c.Instances)+len(c.Transitions))
	for _, inst := range c.Instances {
		item, err := encodeItem(runPK(inst.AuditRunID), instanceSK(inst.FindingID), inst)
		if err != nil {
			return nil, err
		}
		items = append(items, p.put(item, ""))
	}
	for _, tr := range c.Transitions {
		item, err := encodeItem(findingPK(tr.FindingID), transitionSK(tr.ToAuditRunID, tr.FromAuditRunID), tr)
		if err != nil {
			return nil, err
		}
		items = append(items, p.put(item, ""))
	}
	return items, nil
}
