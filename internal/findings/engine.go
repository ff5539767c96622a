package findings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// applyAttempts bounds retries when another completion moves the
// predecessor between diff and commit.
const applyAttempts = 3

// Engine computes and commits finding diffs.
type Engine struct {
	provider provider.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(prov provider.Provider) *Engine {
	return &Engine{
		provider: prov,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.logger = l }

// Apply commits run (already carrying its completed status) together with
// the finding diff against the latest completed run. It returns false when
// the run's version guard did not match, meaning another writer moved it.
func (e *Engine) Apply(ctx context.Context, run types.AuditRun, expectedVersion int, reported []Reported) (bool, Diff, error) {
	if err := Validate(reported); err != nil {
		return false, Diff{}, err
	}
	for attempt := 1; ; attempt++ {
		in, err := e.input(ctx, run, reported)
		if err != nil {
			return false, Diff{}, err
		}
		diff := Compute(in)

		ok, err := e.provider.CompleteAuditRun(ctx, provider.Completion{
			Run:             run,
			ExpectedVersion: expectedVersion,
			PreviousRunID:   in.PreviousRunID,
			Findings:        diff.Findings,
			Instances:       diff.Instances,
			Transitions:     diff.Transitions,
		})
		if errors.Is(err, provider.ErrStalePredecessor) && attempt < applyAttempts {
			e.logger.Warn("predecessor moved during completion, recomputing diff",
				"auditRun", run.ID, "project", run.ProjectID, "attempt", attempt)
			continue
		}
		if err != nil {
			return false, Diff{}, fmt.Errorf("completing audit run %q: %w", run.ID, err)
		}
		if ok {
			for kind, n := range diff.Counts() {
				metrics.Add(ctx, metrics.FindingTransitions, int64(n), "kind", string(kind))
			}
			e.logger.Info("finding lifecycle applied", "auditRun", run.ID, "project", run.ProjectID,
				"previousRun", in.PreviousRunID, "findings", len(diff.Findings), "transitions", len(diff.Transitions))
		}
		return ok, diff, nil
	}
}

func (e *Engine) input(ctx context.Context, run types.AuditRun, reported []Reported) (Input, error) {
	in := Input{Run: run, Reported: reported, Now: e.now()}

	prev, err := e.provider.LatestCompletedAuditRun(ctx, run.ProjectID)
	switch {
	case err == nil && prev.ID != run.ID:
		in.PreviousRunID = prev.ID
	case err != nil && !errors.Is(err, provider.ErrNotFound):
		return Input{}, fmt.Errorf("loading previous completed run: %w", err)
	}

	if in.PreviousRunID != "" {
		instances, err := e.provider.ListFindingInstances(ctx, in.PreviousRunID)
		if err != nil {
			return Input{}, fmt.Errorf("loading findings of run %q: %w", in.PreviousRunID, err)
		}
		in.PreviousFindingIDs = make(map[string]bool, len(instances))
		for _, inst := range instances {
			in.PreviousFindingIDs[inst.FindingID] = true
		}
	}

	in.Existing, err = e.provider.ListFindings(ctx, run.ProjectID)
	if err != nil {
		return Input{}, fmt.Errorf("loading project findings: %w", err)
	}
	return in, nil
}

// List returns a project's findings ordered by fingerprint.
func (e *Engine) List(ctx context.Context, projectID string) ([]types.Finding, error) {
	return e.provider.ListFindings(ctx, projectID)
}

// History returns a finding's transitions in completion order of their
// target runs.
func (e *Engine) History(ctx context.Context, findingID string) ([]types.FindingTransition, error) {
	transitions, err := e.provider.ListFindingTransitions(ctx, findingID)
	if err != nil {
		return nil, err
	}
	runs := newRunCache(e.provider)
	if err := sortByCompletion(ctx, runs, transitions); err != nil {
		return nil, err
	}
	return transitions, nil
}
