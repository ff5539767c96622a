package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// GetFindingByFingerprint retrieves a finding by its project-scoped fingerprint.
func (p *DynamoDBProvider) GetFindingByFingerprint(ctx context.Context, projectID, fingerprint string) (*types.Finding, error) {
	item, err := p.getRaw(ctx, projectPK(projectID), findingSK(fingerprint))
	if err != nil {
		return nil, err
	}
	if item != nil {
		f, ok, err := p.decodeFinding(ctx, item, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		if ok {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("finding %q: %w", fingerprint, provider.ErrNotFound)
}

// ListFindings returns a project's findings ordered by fingerprint.
func (p *DynamoDBProvider) ListFindings(ctx context.Context, projectID string) ([]types.Finding, error) {
	items, err := p.queryPrefix(ctx, projectPK(projectID), prefixFinding, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	runs := make(map[string]bool)
	out := make([]types.Finding, 0, len(items))
	for _, item := range items {
		f, ok, err := p.decodeFinding(ctx, item, runs)
		if err != nil {
			return nil, fmt.Errorf("listing findings: %w", err)
		}
		if ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// decodeFinding returns the effective state of a finding row: its staged
// state when the staging run is completed, its committed "data" otherwise.
// A row holding only the staged state of an unfinished run does not exist yet.
func (p *DynamoDBProvider) decodeFinding(ctx context.Context, item map[string]ddbtypes.AttributeValue, runs map[string]bool) (types.Finding, bool, error) {
	data := optionalStr(item, "data")
	if owner := optionalStr(item, attrPendingRun); owner != "" {
		completed, err := p.runCompleted(ctx, runs, owner)
		if err != nil {
			return types.Finding{}, false, err
		}
		if completed {
			data = optionalStr(item, attrPendingData)
		}
	}
	if data == "" {
		return types.Finding{}, false, nil
	}
	var f types.Finding
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		p.logger.Warn("skipping corrupt finding data", "error", err)
		return types.Finding{}, false, nil
	}
	return f, true, nil
}

// ListFindingInstances returns the instances one run reported, by finding id.
func (p *DynamoDBProvider) ListFindingInstances(ctx context.Context, auditRunID string) ([]types.FindingInstance, error) {
	items, err := p.queryPrefix(ctx, runPK(auditRunID), prefixInstance, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing finding instances: %w", err)
	}
	return decodeAll[types.FindingInstance](p, items, "finding instance"), nil
}

// ListFindingTransitions returns a finding's lifecycle edges ordered by target
// run. Edges staged by a run that never completed are left out.
func (p *DynamoDBProvider) ListFindingTransitions(ctx context.Context, findingID string) ([]types.FindingTransition, error) {
	items, err := p.queryPrefix(ctx, findingPK(findingID), prefixTrans, true, 0)
	if err != nil {
		return nil, fmt.Errorf("listing finding transitions: %w", err)
	}
	runs := make(map[string]bool)
	all := decodeAll[types.FindingTransition](p, items, "finding transition")
	out := all[:0]
	for _, tr := range all {
		completed, err := p.runCompleted(ctx, runs, tr.ToAuditRunID)
		if err != nil {
			return nil, fmt.Errorf("listing finding transitions: %w", err)
		}
		if completed {
			out = append(out, tr)
		}
	}
	return out, nil
}
