// Package watchdog detects work that stopped moving: audit runs that have sat
// queued or running past a threshold, and active working copies nobody has
// touched in a long time. Stuck runs are terminated so the project's active
// slot frees up; abandoned copies get a cleanup job.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const (
	defaultInterval         = 5 * time.Minute
	defaultStuckThreshold   = 2 * time.Hour
	defaultAbandonedCopyAge = 14 * 24 * time.Hour
)

// RunTerminator ends audit runs. *auditrun.Machine satisfies it.
type RunTerminator interface {
	Fail(ctx context.Context, id, reason string) (*types.AuditRun, error)
	Cancel(ctx context.Context, id, reason string) (*types.AuditRun, error)
}

// Enqueuer places cleanup jobs. *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, step types.JobStep, payload types.JobPayload, jobID string) (dispatch.JobHandle, error)
}

// CheckOptions configures a single watchdog scan pass.
type CheckOptions struct {
	Provider          provider.Provider
	Runs              RunTerminator
	Jobs              Enqueuer
	AlertFn           func(types.Alert)
	Logger            *slog.Logger
	Now               time.Time     // injectable for testing
	StuckRunThreshold time.Duration // defaults to 2h if zero
	AbandonedCopyAge  time.Duration // defaults to 14d if zero
}

func (o *CheckOptions) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
	if o.StuckRunThreshold <= 0 {
		o.StuckRunThreshold = defaultStuckThreshold
	}
	if o.AbandonedCopyAge <= 0 {
		o.AbandonedCopyAge = defaultAbandonedCopyAge
	}
}

// StuckRun records an audit run the watchdog terminated.
type StuckRun struct {
	ProjectID  string
	AuditRunID string
	Status     types.AuditRunStatus
	Age        time.Duration
}

// CheckStuckRuns terminates each project's active run when it has not moved
// for longer than the threshold. Queued runs are cancelled, running ones
// failed; both free the project's active slot.
func CheckStuckRuns(ctx context.Context, opts CheckOptions, projectIDs []string) []StuckRun {
	opts.defaults()
	var stuck []StuckRun

	for _, projectID := range projectIDs {
		if ctx.Err() != nil {
			return stuck
		}
		run, err := opts.Provider.GetActiveAuditRun(ctx, projectID)
		if errors.Is(err, provider.ErrNotFound) {
			continue
		}
		if err != nil {
			opts.Logger.Error("watchdog: failed to load active run", "project", projectID, "error", err)
			continue
		}

		age := opts.Now.Sub(run.UpdatedAt)
		if age < opts.StuckRunThreshold {
			continue
		}

		reason := fmt.Sprintf("stuck in %s for %s", run.Status, age.Truncate(time.Second))
		if run.Status == types.RunQueued {
			_, err = opts.Runs.Cancel(ctx, run.ID, reason)
		} else {
			_, err = opts.Runs.Fail(ctx, run.ID, reason)
		}
		if err != nil {
			// Another writer moved the run first.
			if types.Classify(err) == types.ClassDuplicate {
				continue
			}
			opts.Logger.Error("watchdog: failed to terminate stuck run",
				"project", projectID, "auditRun", run.ID, "error", err)
			continue
		}

		metrics.Inc(ctx, metrics.StuckRuns, "status", string(run.Status))
		if opts.AlertFn != nil {
			opts.AlertFn(types.Alert{
				Level:      types.AlertLevelError,
				ProjectID:  projectID,
				AuditRunID: run.ID,
				Message:    fmt.Sprintf("Audit run %s %s", run.ID, reason),
				Details: map[string]interface{}{
					"status":   string(run.Status),
					"duration": age.String(),
					"revision": run.RevisionID,
				},
				Timestamp: opts.Now,
			})
		}
		opts.Logger.Warn("watchdog: terminated stuck audit run",
			"project", projectID, "auditRun", run.ID, "status", run.Status, "age", age)
		stuck = append(stuck, StuckRun{ProjectID: projectID, AuditRunID: run.ID, Status: run.Status, Age: age})
	}
	return stuck
}

// AbandonedCopy records a working copy scheduled for cleanup.
type AbandonedCopy struct {
	ProjectID     string
	WorkingCopyID string
	Idle          time.Duration
}

// CheckAbandonedCopies enqueues a cleanup job for every live working copy
// idle longer than AbandonedCopyAge. A lock held that long belongs to a commit
// that died before releasing it, so locked copies are collected too.
// The cleanup job id is stable per copy, so repeated scans do not duplicate it.
func CheckAbandonedCopies(ctx context.Context, opts CheckOptions, projectIDs []string) []AbandonedCopy {
	opts.defaults()
	var abandoned []AbandonedCopy

	for _, projectID := range projectIDs {
		if ctx.Err() != nil {
			return abandoned
		}
		copies, err := opts.Provider.ListWorkingCopies(ctx, projectID)
		if err != nil {
			opts.Logger.Error("watchdog: failed to list working copies", "project", projectID, "error", err)
			continue
		}
		for _, wc := range copies {
			if wc.Status != types.WorkingCopyActive && wc.Status != types.WorkingCopyLocked {
				continue
			}
			idle := opts.Now.Sub(wc.UpdatedAt)
			if idle < opts.AbandonedCopyAge {
				continue
			}
			payload := types.JobPayload{ProjectID: projectID, WorkingCopyID: wc.ID}
			if _, err := opts.Jobs.Enqueue(ctx, types.StepCleanup, payload, dispatch.CleanupJobID(wc.ID)); err != nil {
				opts.Logger.Error("watchdog: failed to enqueue cleanup",
					"project", projectID, "workingCopy", wc.ID, "error", err)
				continue
			}
			abandoned = append(abandoned, AbandonedCopy{ProjectID: projectID, WorkingCopyID: wc.ID, Idle: idle})
		}
	}
	if len(abandoned) > 0 {
		opts.Logger.Info("watchdog: scheduled cleanup of abandoned working copies", "count", len(abandoned))
	}
	return abandoned
}

// Report is the outcome of one Sweep.
type Report struct {
	StuckRuns       []StuckRun
	AbandonedCopies []AbandonedCopy
}

// Sweep runs every check over projectIDs.
func Sweep(ctx context.Context, opts CheckOptions, projectIDs []string) Report {
	return Report{
		StuckRuns:       CheckStuckRuns(ctx, opts, projectIDs),
		AbandonedCopies: CheckAbandonedCopies(ctx, opts, projectIDs),
	}
}

// ProjectSource returns the projects to sweep on each pass.
type ProjectSource func(ctx context.Context) ([]string, error)

// Watchdog runs Sweep on a regular interval.
type Watchdog struct {
	opts     CheckOptions
	projects ProjectSource
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Watchdog. Now in opts is ignored; each pass uses the clock.
func New(opts CheckOptions, projects ProjectSource, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = defaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watchdog{opts: opts, projects: projects, interval: interval}
}

// Start begins the watchdog polling loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.opts.Logger.Info("watchdog started", "interval", w.interval)
}

// Stop signals the watchdog to stop and waits for it to finish.
func (w *Watchdog) Stop(_ context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.opts.Logger.Info("watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start.
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watchdog) scan(ctx context.Context) {
	ids, err := w.projects(ctx)
	if err != nil {
		w.opts.Logger.Error("watchdog: failed to list projects", "error", err)
		return
	}
	opts := w.opts
	opts.Now = time.Time{}
	Sweep(ctx, opts, ids)
}
