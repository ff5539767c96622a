// Package verification records the toolchain sub-steps of an audit run.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// OutputStore persists step output. *content.Store satisfies it.
type OutputStore interface {
	PutBlob(ctx context.Context, data []byte) (types.BlobRef, error)
}

// Result is the outcome of a finished step.
type Result struct {
	Status   types.VerificationStepStatus
	Summary  string
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

const casAttempts = 5

// Tracker creates and transitions VerificationSteps.
type Tracker struct {
	provider provider.Provider
	outputs  OutputStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker. outputs may be nil, in which case step
// output is dropped.
func NewTracker(prov provider.Provider, outputs OutputStore) *Tracker {
	return &Tracker{
		provider: prov,
		outputs:  outputs,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the tracker's logger.
func (t *Tracker) SetLogger(l *slog.Logger) { t.logger = l }

// Record adds a queued step to a running audit run. A step with the same
// type and toolchain already recorded for the run is returned as is, so
// redelivered audit jobs do not duplicate rows.
func (t *Tracker) Record(ctx context.Context, auditRunID, stepType, toolchain string) (*types.VerificationStep, error) {
	if stepType == "" {
		return nil, fmt.Errorf("%w: step type required", types.ErrInvalidInput)
	}
	run, err := t.provider.GetAuditRun(ctx, auditRunID)
	if err != nil {
		return nil, fmt.Errorf("loading audit run %q: %w", auditRunID, err)
	}
	existing, err := t.provider.ListVerificationSteps(ctx, auditRunID)
	if err != nil {
		return nil, fmt.Errorf("listing steps of %q: %w", auditRunID, err)
	}
	for i := range existing {
		if existing[i].StepType == stepType && existing[i].Toolchain == toolchain {
			return &existing[i], nil
		}
	}
	if run.Status != types.RunRunning {
		return nil, fmt.Errorf("audit run %q is %s: %w", auditRunID, run.Status, types.ErrRunTerminal)
	}

	step := types.VerificationStep{
		ID:         ident.New(),
		AuditRunID: auditRunID,
		StepType:   stepType,
		Toolchain:  toolchain,
		Status:     types.StepQueued,
		Version:    1,
		CreatedAt:  t.now(),
	}
	if err := t.provider.PutVerificationStep(ctx, step); err != nil {
		return nil, fmt.Errorf("recording step %q: %w", stepType, err)
	}
	return &step, nil
}

// Start moves a queued step to running. Starting a running step is a no-op.
func (t *Tracker) Start(ctx context.Context, id string) (*types.VerificationStep, error) {
	return t.transition(ctx, id, func(s types.VerificationStep) (types.VerificationStep, bool, error) {
		switch {
		case s.Status == types.StepRunning:
			return s, false, nil
		case lifecycle.IsStepTerminal(s.Status):
			return s, false, fmt.Errorf("step %q is %s: %w", s.ID, s.Status, types.ErrStepTerminal)
		}
		now := t.now()
		s.Status = types.StepRunning
		s.StartedAt = &now
		return s, true, nil
	})
}

// Finish moves a step to a terminal status, storing its output. Finishing a
// step again with the status it already holds is a no-op.
func (t *Tracker) Finish(ctx context.Context, id string, res Result) (*types.VerificationStep, error) {
	if !lifecycle.IsStepTerminal(res.Status) {
		return nil, fmt.Errorf("%w: %q is not a terminal step status", types.ErrInvalidInput, res.Status)
	}
	current, err := t.provider.GetVerificationStep(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading step %q: %w", id, err)
	}
	if current.Status == res.Status {
		return current, nil
	}
	if lifecycle.IsStepTerminal(current.Status) {
		return nil, fmt.Errorf("step %q is %s: %w", id, current.Status, types.ErrStepTerminal)
	}

	stdoutKey, err := t.store(ctx, res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("storing stdout of step %q: %w", id, err)
	}
	stderrKey, err := t.store(ctx, res.Stderr)
	if err != nil {
		return nil, fmt.Errorf("storing stderr of step %q: %w", id, err)
	}

	return t.transition(ctx, id, func(s types.VerificationStep) (types.VerificationStep, bool, error) {
		if s.Status == res.Status {
			return s, false, nil
		}
		if !lifecycle.CanTransitionStep(s.Status, res.Status) {
			return s, false, fmt.Errorf("step %q %s -> %s: %w", s.ID, s.Status, res.Status, types.ErrInvalidTransition)
		}
		now := t.now()
		s.Status = res.Status
		s.Summary = res.Summary
		s.StdoutKey = stdoutKey
		s.StderrKey = stderrKey
		s.DurationMs = res.Duration.Milliseconds()
		s.FinishedAt = &now
		return s, true, nil
	})
}

// List returns the steps of an audit run.
func (t *Tracker) List(ctx context.Context, auditRunID string) ([]types.VerificationStep, error) {
	return t.provider.ListVerificationSteps(ctx, auditRunID)
}

func (t *Tracker) store(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 || t.outputs == nil {
		return "", nil
	}
	ref, err := t.outputs.PutBlob(ctx, data)
	if err != nil {
		return "", err
	}
	return ref.StorageKey, nil
}

func (t *Tracker) transition(ctx context.Context, id string, fn func(types.VerificationStep) (types.VerificationStep, bool, error)) (*types.VerificationStep, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := t.provider.GetVerificationStep(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading step %q: %w", id, err)
		}
		next, changed, err := fn(*current)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		next.Version = current.Version + 1
		ok, err := t.provider.CompareAndSwapVerificationStep(ctx, id, current.Version, next)
		if err != nil {
			return nil, fmt.Errorf("updating step %q: %w", id, err)
		}
		if ok {
			t.logger.Debug("verification step transitioned", "step", id, "auditRun", next.AuditRunID,
				"from", current.Status, "to", next.Status)
			return &next, nil
		}
	}
	return nil, fmt.Errorf("step %q changed concurrently %d times: %w", id, casAttempts, types.ErrConflict)
}
