package findings

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Mismatch is a finding whose stored status disagrees with the replay of its
// transition history.
type Mismatch struct {
	FindingID   string
	Fingerprint string
	Stored      types.FindingStatus
	Replayed    types.FindingStatus
}

// ReplayReport summarises a project replay.
type ReplayReport struct {
	ProjectID   string
	Findings    int
	Transitions int
	Mismatches  []Mismatch
}

type runCache struct {
	provider provider.Provider
	runs     map[string]*types.AuditRun
}

func newRunCache(prov provider.Provider) *runCache {
	return &runCache{provider: prov, runs: make(map[string]*types.AuditRun)}
}

func (c *runCache) get(ctx context.Context, id string) (*types.AuditRun, error) {
	if r, ok := c.runs[id]; ok {
		return r, nil
	}
	r, err := c.provider.GetAuditRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading audit run %q: %w", id, err)
	}
	c.runs[id] = r
	return r, nil
}

// completionKey orders runs by (finishedAt, id).
func completionKey(r *types.AuditRun) (time.Time, string) {
	if r.FinishedAt == nil {
		return time.Time{}, r.ID
	}
	return *r.FinishedAt, r.ID
}

// sortByCompletion orders transitions by their target run's completion.
func sortByCompletion(ctx context.Context, runs *runCache, transitions []types.FindingTransition) error {
	for _, tr := range transitions {
		if _, err := runs.get(ctx, tr.ToAuditRunID); err != nil {
			return err
		}
	}
	sort.SliceStable(transitions, func(i, j int) bool {
		ti, idi := completionKey(runs.runs[transitions[i].ToAuditRunID])
		tj, idj := completionKey(runs.runs[transitions[j].ToAuditRunID])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
	return nil
}

// ReplayStatus folds an ordered transition history into a status. A finding
// with no transitions was opened by the first run that reported it.
func ReplayStatus(ordered []types.FindingTransition) types.FindingStatus {
	status := types.FindingOpened
	for _, tr := range ordered {
		status = tr.Transition
	}
	return status
}

// Replay recomputes every finding's status of a project from its transition
// edges in completion order and reports disagreements with stored state.
func (e *Engine) Replay(ctx context.Context, projectID string) (*ReplayReport, error) {
	list, err := e.provider.ListFindings(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	report := &ReplayReport{ProjectID: projectID, Findings: len(list)}
	runs := newRunCache(e.provider)
	for _, f := range list {
		transitions, err := e.provider.ListFindingTransitions(ctx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("listing transitions of %q: %w", f.ID, err)
		}
		if err := sortByCompletion(ctx, runs, transitions); err != nil {
			return nil, err
		}
		report.Transitions += len(transitions)
		if replayed := ReplayStatus(transitions); replayed != f.CurrentStatus {
			report.Mismatches = append(report.Mismatches, Mismatch{
				FindingID:   f.ID,
				Fingerprint: f.StableFingerprint,
				Stored:      f.CurrentStatus,
				Replayed:    replayed,
			})
		}
	}
	if len(report.Mismatches) > 0 {
		e.logger.Warn("finding replay mismatches", "project", projectID, "count", len(report.Mismatches))
	}
	return report, nil
}
