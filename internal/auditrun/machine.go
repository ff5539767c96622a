// Package auditrun implements the audit run state machine: admission under
// the one-active-run-per-project invariant, status-guarded transitions that
// tolerate duplicate job delivery, and completion through the finding
// lifecycle engine.
package auditrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/findings"
	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Enqueuer places pipeline jobs on their queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, step types.JobStep, payload types.JobPayload, jobID string) (dispatch.JobHandle, error)
}

// EventPublisher receives terminal run transitions.
type EventPublisher interface {
	PublishRunEvent(ctx context.Context, run types.AuditRun) error
}

const casAttempts = 5

// Machine drives AuditRun transitions.
type Machine struct {
	provider  provider.Provider
	jobs      Enqueuer
	engine    *findings.Engine
	alertFn   func(types.Alert)
	publisher EventPublisher
	defaults  types.PipelineConfig
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Machine. alertFn may be nil.
func New(p provider.Provider, jobs Enqueuer, engine *findings.Engine, alertFn func(types.Alert)) *Machine {
	return &Machine{
		provider: p,
		jobs:     jobs,
		engine:   engine,
		alertFn:  alertFn,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the machine's logger.
func (m *Machine) SetLogger(l *slog.Logger) { m.logger = l }

// SetDefaults sets the audit options applied when a request leaves them empty.
func (m *Machine) SetDefaults(cfg types.PipelineConfig) { m.defaults = cfg }

// SetPublisher registers a sink for terminal run events.
func (m *Machine) SetPublisher(p EventPublisher) { m.publisher = p }

// RequestAudit admits a new queued run for revisionID and enqueues its audit
// job. A project with a queued or running run yields ErrConflictingActiveRun.
func (m *Machine) RequestAudit(ctx context.Context, projectID, revisionID, requestedBy string, opts types.AuditOptions) (*types.AuditRun, error) {
	return m.request(ctx, projectID, revisionID, requestedBy, opts, "")
}

func (m *Machine) request(ctx context.Context, projectID, revisionID, requestedBy string, opts types.AuditOptions, retryOf string) (*types.AuditRun, error) {
	project, err := m.provider.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %q: %w", projectID, err)
	}
	if project.IsDeleted() {
		return nil, fmt.Errorf("project %q: %w", projectID, types.ErrProjectDeleted)
	}
	rev, err := m.provider.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("loading revision %q: %w", revisionID, err)
	}
	if rev.ProjectID != projectID {
		return nil, fmt.Errorf("%w: revision %q belongs to project %q", types.ErrInvalidInput, revisionID, rev.ProjectID)
	}
	opts = m.withDefaults(opts)
	if !opts.Profile.Valid() {
		return nil, fmt.Errorf("%w: audit profile %q", types.ErrInvalidInput, opts.Profile)
	}

	now := m.now()
	run := types.AuditRun{
		ID:                  ident.New(),
		ProjectID:           projectID,
		RevisionID:          revisionID,
		Status:              types.RunQueued,
		Version:             1,
		RequestedBy:         requestedBy,
		PrimaryModel:        opts.PrimaryModel,
		FallbackModel:       opts.FallbackModel,
		Profile:             opts.Profile,
		EngineVersion:       opts.EngineVersion,
		ReportSchemaVersion: opts.ReportSchemaVersion,
		RetryOf:             retryOf,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.provider.CreateAuditRun(ctx, run); err != nil {
		if errors.Is(err, types.ErrConflictingActiveRun) {
			metrics.Inc(ctx, metrics.Conflicts, "resource", types.ResourceAuditRun)
			m.logger.Info("audit request rejected, project has an active run",
				"project", projectID, "revision", revisionID, "error", err)
		}
		return nil, fmt.Errorf("requesting audit: %w", err)
	}

	payload := types.JobPayload{ProjectID: projectID, RevisionID: revisionID, AuditRunID: run.ID}
	if _, err := m.jobs.Enqueue(ctx, types.StepAudit, payload, dispatch.AuditJobID(run.ID)); err != nil {
		// Release the slot so the caller can retry the request.
		if _, cerr := m.Cancel(ctx, run.ID, "audit job could not be enqueued"); cerr != nil {
			m.logger.Error("failed to cancel unqueued audit run", "auditRun", run.ID, "error", cerr)
		}
		return nil, fmt.Errorf("enqueueing audit %q: %w", run.ID, err)
	}

	metrics.Inc(ctx, metrics.AuditsRequested, "profile", string(run.Profile))
	m.logger.Info("audit requested", "auditRun", run.ID, "project", projectID,
		"revision", revisionID, "profile", run.Profile, "retryOf", retryOf)
	return &run, nil
}

func (m *Machine) withDefaults(opts types.AuditOptions) types.AuditOptions {
	if opts.Profile == "" {
		opts.Profile = m.defaults.DefaultProfile
	}
	if opts.Profile == "" {
		opts.Profile = types.ProfileFast
	}
	if opts.PrimaryModel == "" {
		opts.PrimaryModel = m.defaults.PrimaryModel
	}
	if opts.FallbackModel == "" {
		opts.FallbackModel = m.defaults.FallbackModel
	}
	if opts.EngineVersion == "" {
		opts.EngineVersion = m.defaults.EngineVersion
	}
	if opts.ReportSchemaVersion == "" {
		opts.ReportSchemaVersion = m.defaults.ReportSchemaVersion
	}
	return opts
}

// MarkRunning moves a queued run to running. A run already running is
// returned unchanged; a terminal run yields ErrRunTerminal. A queued run whose
// project was deleted after admission is cancelled instead.
func (m *Machine) MarkRunning(ctx context.Context, id string) (*types.AuditRun, error) {
	current, err := m.provider.GetAuditRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading audit run %q: %w", id, err)
	}
	if current.Status == types.RunQueued {
		project, err := m.provider.GetProject(ctx, current.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("loading project %q: %w", current.ProjectID, err)
		}
		if project.IsDeleted() {
			if _, err := m.Cancel(ctx, id, "project deleted"); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("audit run %q of %w: %w", id, types.ErrProjectDeleted, types.ErrRunTerminal)
		}
	}
	return m.transition(ctx, id, func(r types.AuditRun) (types.AuditRun, bool, error) {
		switch r.Status {
		case types.RunRunning:
			return r, false, nil
		case types.RunQueued:
			now := m.now()
			r.Status = types.RunRunning
			r.StartedAt = &now
			return r, true, nil
		default:
			return r, false, fmt.Errorf("audit run %q is %s: %w", r.ID, r.Status, types.ErrRunTerminal)
		}
	})
}

// Complete moves a running run to completed, stores its report and commits
// the finding lifecycle diff in the same write. Completing a completed run
// is a no-op.
func (m *Machine) Complete(ctx context.Context, id string, report json.RawMessage, reported []findings.Reported) (*types.AuditRun, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.provider.GetAuditRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading audit run %q: %w", id, err)
		}
		switch current.Status {
		case types.RunCompleted:
			return current, nil
		case types.RunQueued:
			return nil, fmt.Errorf("%w: audit run %q has not started", types.ErrInvalidTransition, id)
		case types.RunFailed, types.RunCancelled:
			return nil, fmt.Errorf("audit run %q is %s: %w", id, current.Status, types.ErrRunTerminal)
		}

		if _, err := m.provider.GetRevision(ctx, current.RevisionID); err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return nil, m.corrupt(ctx, *current, fmt.Sprintf("revision %s no longer exists", current.RevisionID))
			}
			return nil, fmt.Errorf("loading revision %q: %w", current.RevisionID, err)
		}

		now := m.now()
		done := *current
		done.Status = types.RunCompleted
		done.Version = current.Version + 1
		done.ReportJSON = report
		done.FinishedAt = &now
		done.UpdatedAt = now

		ok, diff, err := m.engine.Apply(ctx, done, current.Version, reported)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		metrics.Inc(ctx, metrics.AuditsCompleted)
		m.logger.Info("audit completed", "auditRun", id, "project", done.ProjectID,
			"findings", len(diff.Instances), "transitions", len(diff.Transitions))
		m.publish(ctx, done)
		return &done, nil
	}
	return nil, fmt.Errorf("audit run %q changed concurrently %d times: %w", id, casAttempts, types.ErrConflict)
}

// corrupt fails the run with reason, alerts operators and returns an
// ErrCorruption error.
func (m *Machine) corrupt(ctx context.Context, run types.AuditRun, reason string) error {
	m.logger.Error("audit run corruption", "auditRun", run.ID, "project", run.ProjectID, "reason", reason)
	if _, err := m.Fail(ctx, run.ID, reason); err != nil {
		m.logger.Error("failed to record corruption on audit run", "auditRun", run.ID, "error", err)
	}
	m.alert(types.Alert{
		Level:      types.AlertLevelError,
		ProjectID:  run.ProjectID,
		AuditRunID: run.ID,
		Message:    "audit run corruption: " + reason,
		Details:    map[string]interface{}{"revisionId": run.RevisionID},
		Timestamp:  m.now(),
	})
	return fmt.Errorf("audit run %q: %s: %w", run.ID, reason, types.ErrCorruption)
}

// Fail moves a running run to failed with reason. Failing a failed run is a
// no-op; completed or cancelled runs yield ErrRunTerminal.
func (m *Machine) Fail(ctx context.Context, id, reason string) (*types.AuditRun, error) {
	run, changed, err := m.transitionChanged(ctx, id, func(r types.AuditRun) (types.AuditRun, bool, error) {
		switch r.Status {
		case types.RunFailed:
			return r, false, nil
		case types.RunQueued:
			return r, false, fmt.Errorf("%w: audit run %q has not started", types.ErrInvalidTransition, r.ID)
		case types.RunCompleted, types.RunCancelled:
			return r, false, fmt.Errorf("audit run %q is %s: %w", r.ID, r.Status, types.ErrRunTerminal)
		}
		now := m.now()
		r.Status = types.RunFailed
		r.FailureReason = reason
		r.FinishedAt = &now
		return r, true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.Inc(ctx, metrics.AuditsFailed)
		m.logger.Warn("audit failed", "auditRun", id, "project", run.ProjectID, "reason", reason)
		m.publish(ctx, *run)
	}
	return run, nil
}

// Cancel moves a queued or running run to cancelled. Cancelling a cancelled
// run is a no-op; completed or failed runs cannot be cancelled.
func (m *Machine) Cancel(ctx context.Context, id, reason string) (*types.AuditRun, error) {
	run, changed, err := m.transitionChanged(ctx, id, func(r types.AuditRun) (types.AuditRun, bool, error) {
		switch r.Status {
		case types.RunCancelled:
			return r, false, nil
		case types.RunCompleted, types.RunFailed:
			return r, false, fmt.Errorf("%w: audit run %q is %s", types.ErrInvalidTransition, r.ID, r.Status)
		}
		now := m.now()
		r.Status = types.RunCancelled
		r.FailureReason = reason
		r.FinishedAt = &now
		return r, true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.Inc(ctx, metrics.AuditsCancelled)
		m.logger.Info("audit cancelled", "auditRun", id, "project", run.ProjectID, "reason", reason)
		m.publish(ctx, *run)
	}
	return run, nil
}

// CancelActive cancels the project's queued or running run, if any.
func (m *Machine) CancelActive(ctx context.Context, projectID, reason string) (*types.AuditRun, error) {
	active, err := m.provider.GetActiveAuditRun(ctx, projectID)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active run of %q: %w", projectID, err)
	}
	return m.Cancel(ctx, active.ID, reason)
}

// Retry requests a fresh run for the revision of a failed or cancelled run,
// with the same options.
func (m *Machine) Retry(ctx context.Context, id, requestedBy string) (*types.AuditRun, error) {
	prev, err := m.provider.GetAuditRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading audit run %q: %w", id, err)
	}
	if prev.Status != types.RunFailed && prev.Status != types.RunCancelled {
		return nil, fmt.Errorf("%w: audit run %q is %s, only failed or cancelled runs can be retried",
			types.ErrInvalidTransition, id, prev.Status)
	}
	if requestedBy == "" {
		requestedBy = prev.RequestedBy
	}
	return m.request(ctx, prev.ProjectID, prev.RevisionID, requestedBy, prev.Options(), prev.ID)
}

// Get returns a run by id.
func (m *Machine) Get(ctx context.Context, id string) (*types.AuditRun, error) {
	return m.provider.GetAuditRun(ctx, id)
}

// List returns a project's runs, newest first.
func (m *Machine) List(ctx context.Context, projectID string, limit int) ([]types.AuditRun, error) {
	return m.provider.ListAuditRuns(ctx, projectID, limit)
}

func (m *Machine) transition(ctx context.Context, id string, fn func(types.AuditRun) (types.AuditRun, bool, error)) (*types.AuditRun, error) {
	run, _, err := m.transitionChanged(ctx, id, fn)
	return run, err
}

// transitionChanged applies fn under version CAS, re-reading on a lost race.
// Terminal transitions release the project's active slot in the same write.
func (m *Machine) transitionChanged(ctx context.Context, id string, fn func(types.AuditRun) (types.AuditRun, bool, error)) (*types.AuditRun, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.provider.GetAuditRun(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("loading audit run %q: %w", id, err)
		}
		next, changed, err := fn(*current)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return current, false, nil
		}
		if err := lifecycle.Transition(current.Status, next.Status); err != nil {
			return nil, false, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = m.now()
		ok, err := m.provider.CompareAndSwapAuditRun(ctx, id, current.Version, next)
		if err != nil {
			return nil, false, fmt.Errorf("updating audit run %q: %w", id, err)
		}
		if ok {
			return &next, true, nil
		}
	}
	return nil, false, fmt.Errorf("audit run %q changed concurrently %d times: %w", id, casAttempts, types.ErrConflict)
}

func (m *Machine) alert(a types.Alert) {
	if m.alertFn != nil {
		m.alertFn(a)
	}
}

func (m *Machine) publish(ctx context.Context, run types.AuditRun) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishRunEvent(ctx, run); err != nil {
		m.logger.Warn("failed to publish run event", "auditRun", run.ID, "status", run.Status, "error", err)
	}
}
