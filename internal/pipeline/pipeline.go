// Package pipeline consumes pipeline jobs and drives each one through the
// services that own its state: ingest marks a project ready, audit runs the
// auditor and completes the run, pdf renders exports, cleanup discards
// abandoned working copies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dwsmith1983/auditlane/internal/auditrun"
	"github.com/dwsmith1983/auditlane/internal/engine"
	"github.com/dwsmith1983/auditlane/internal/export"
	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/internal/project"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/verification"
	"github.com/dwsmith1983/auditlane/internal/workcopy"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// RequestedBySystem marks audits the pipeline requested on its own.
const RequestedBySystem = "system:auto-audit"

const defaultMaxRetryElapsed = 30 * time.Second

// JobRecorder appends JobEvents and resolves queue names. *dispatch.Dispatcher
// satisfies it.
type JobRecorder interface {
	QueueName(step types.JobStep) string
	Record(ctx context.Context, queueName, jobID string, kind types.JobEventKind, payload types.JobPayload)
}

// Services are the collaborators a Worker drives.
type Services struct {
	Provider provider.Provider
	Jobs     JobRecorder
	Projects *project.Service
	Runs     *auditrun.Machine
	Steps    *verification.Tracker
	Exports  *export.Exporter
	Copies   *workcopy.Manager
	Ingester engine.Ingester
	Auditor  engine.Auditor
}

// Worker routes jobs to step handlers.
type Worker struct {
	svc        Services
	cfg        types.PipelineConfig
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// New creates a Worker.
func New(svc Services, cfg types.PipelineConfig) *Worker {
	maxElapsed := defaultMaxRetryElapsed
	if cfg.MaxRetryElapsed != "" {
		if d, err := time.ParseDuration(cfg.MaxRetryElapsed); err == nil && d > 0 {
			maxElapsed = d
		}
	}
	return &Worker{
		svc:    svc,
		cfg:    cfg,
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			// BackOff implementations are stateful; always return a fresh instance.
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = maxElapsed
			return bo
		},
	}
}

// SetLogger replaces the worker's logger.
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

// SetBackOff replaces the retry policy for transient errors.
func (w *Worker) SetBackOff(fn func() backoff.BackOff) { w.newBackOff = fn }

// Handle processes one job. Transient failures are retried with backoff and,
// once the budget is spent, returned so the broker redelivers. Duplicate
// deliveries return nil. Any other error is permanent: redelivery would fail
// the same way.
func (w *Worker) Handle(ctx context.Context, job types.Job) error {
	if !job.Step.Valid() {
		return fmt.Errorf("%w: unknown step %q", types.ErrInvalidInput, job.Step)
	}
	handler := w.handlerFor(job.Step)
	queue := w.svc.Jobs.QueueName(job.Step)
	log := w.logger.With("step", job.Step, "jobId", job.JobID, "project", job.Payload.ProjectID)

	w.svc.Jobs.Record(ctx, queue, job.JobID, types.JobStarted, job.Payload)
	start := time.Now()

	err := backoff.Retry(func() error {
		err := handler(ctx, job.Payload)
		if err == nil || types.IsRetryable(err) {
			if err != nil {
				log.Warn("transient job failure, retrying", "error", err)
			}
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(w.newBackOff(), ctx))

	switch types.Classify(err) {
	case types.ClassNone:
	case types.ClassDuplicate:
		log.Info("duplicate delivery acknowledged", "reason", err)
		err = nil
	default:
		metrics.Inc(ctx, metrics.JobsFailed, "step", string(job.Step))
		w.svc.Jobs.Record(ctx, queue, job.JobID, types.JobFailed, job.Payload)
		log.Error("job failed", "class", types.Classify(err), "error", err)
		return err
	}

	w.svc.Jobs.Record(ctx, queue, job.JobID, types.JobCompleted, job.Payload)
	log.Info("job completed", "duration", time.Since(start))
	return nil
}

func (w *Worker) handlerFor(step types.JobStep) func(context.Context, types.JobPayload) error {
	switch step {
	case types.StepIngest:
		return w.ingest
	case types.StepAudit:
		return w.audit
	case types.StepPDF:
		return w.pdf
	case types.StepCleanup:
		return w.cleanup
	default:
		return func(ctx context.Context, p types.JobPayload) error {
			w.logger.Info("job consumed by external worker, acknowledging", "step", step, "project", p.ProjectID)
			return nil
		}
	}
}

func (w *Worker) ingest(ctx context.Context, p types.JobPayload) error {
	if p.RevisionID == "" {
		return fmt.Errorf("%w: ingest job without revision", types.ErrInvalidInput)
	}
	rev, err := w.svc.Provider.GetRevision(ctx, p.RevisionID)
	if err != nil {
		return fmt.Errorf("loading revision %q: %w", p.RevisionID, err)
	}
	files, err := w.svc.Provider.ListRevisionFiles(ctx, rev.ID)
	if err != nil {
		return fmt.Errorf("listing files of %q: %w", rev.ID, err)
	}
	if w.svc.Ingester != nil {
		if err := w.svc.Ingester.Ingest(ctx, engine.IngestRequest{
			ProjectID:  rev.ProjectID,
			RevisionID: rev.ID,
			Files:      engine.FileRefs(files),
		}); err != nil {
			return fmt.Errorf("ingesting revision %q: %w", rev.ID, err)
		}
	}
	if _, err := w.svc.Projects.MarkReady(ctx, rev.ProjectID); err != nil {
		return err
	}
	if !w.cfg.AutoAudit {
		return nil
	}

	_, err = w.svc.Runs.RequestAudit(ctx, rev.ProjectID, rev.ID, RequestedBySystem, types.AuditOptions{})
	if errors.Is(err, types.ErrConflictingActiveRun) {
		w.logger.Info("auto-audit skipped, project already has an active run",
			"project", rev.ProjectID, "revision", rev.ID)
		return nil
	}
	return err
}

func (w *Worker) audit(ctx context.Context, p types.JobPayload) error {
	if p.AuditRunID == "" {
		return fmt.Errorf("%w: audit job without run", types.ErrInvalidInput)
	}
	run, err := w.svc.Runs.MarkRunning(ctx, p.AuditRunID)
	if errors.Is(err, types.ErrRunTerminal) {
		// A redelivery after completion still owes the exports.
		return errors.Join(err, w.requestExports(ctx, p.AuditRunID))
	}
	if err != nil {
		return err
	}
	files, err := w.svc.Provider.ListRevisionFiles(ctx, run.RevisionID)
	if err != nil {
		return fmt.Errorf("listing files of %q: %w", run.RevisionID, err)
	}

	report, err := w.svc.Auditor.Audit(ctx, engine.AuditRequest{
		AuditRunID: run.ID,
		ProjectID:  run.ProjectID,
		RevisionID: run.RevisionID,
		Options:    run.Options(),
		Files:      engine.FileRefs(files),
	})
	if err != nil {
		return w.failRun(ctx, run.ID, err)
	}

	if err := w.recordSteps(ctx, run.ID, report.Steps); err != nil {
		return err
	}

	if _, err := w.svc.Runs.Complete(ctx, run.ID, report.Report, report.Findings); err != nil {
		return w.failRun(ctx, run.ID, err)
	}

	return w.requestExports(ctx, run.ID)
}

// failRun moves the run to failed unless cause is worth a retry, so a run
// that can never complete does not hold the project's active slot.
func (w *Worker) failRun(ctx context.Context, runID string, cause error) error {
	switch types.Classify(cause) {
	case types.ClassTransient, types.ClassDuplicate:
		return cause
	}
	if _, err := w.svc.Runs.Fail(ctx, runID, cause.Error()); err != nil && types.Classify(err) != types.ClassDuplicate {
		return errors.Join(cause, err)
	}
	return cause
}

func (w *Worker) requestExports(ctx context.Context, runID string) error {
	if len(w.cfg.PdfVariants) == 0 {
		return nil
	}
	run, err := w.svc.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunCompleted {
		return nil
	}
	for _, v := range w.cfg.PdfVariants {
		if _, err := w.svc.Exports.Request(ctx, run.ID, v); err != nil {
			return fmt.Errorf("requesting %s export: %w", v, err)
		}
	}
	return nil
}

func (w *Worker) recordSteps(ctx context.Context, runID string, results []engine.StepResult) error {
	if w.svc.Steps == nil {
		return nil
	}
	for _, r := range results {
		step, err := w.svc.Steps.Record(ctx, runID, r.StepType, r.Toolchain)
		if err != nil {
			return fmt.Errorf("recording step %s/%s: %w", r.StepType, r.Toolchain, err)
		}
		if step.Status == types.StepQueued && r.Status != types.StepSkipped {
			if _, err := w.svc.Steps.Start(ctx, step.ID); err != nil && !errors.Is(err, types.ErrStepTerminal) {
				return err
			}
		}
		switch r.Status {
		case types.StepCompleted, types.StepFailed, types.StepSkipped:
		default:
			continue
		}
		_, err = w.svc.Steps.Finish(ctx, step.ID, verification.Result{
			Status:   r.Status,
			Summary:  r.Summary,
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			Duration: time.Duration(r.DurationMs) * time.Millisecond,
		})
		if err != nil && !errors.Is(err, types.ErrStepTerminal) {
			return fmt.Errorf("finishing step %s/%s: %w", r.StepType, r.Toolchain, err)
		}
	}
	return nil
}

func (w *Worker) pdf(ctx context.Context, p types.JobPayload) error {
	if p.AuditRunID == "" || !p.Variant.Valid() {
		return fmt.Errorf("%w: pdf job needs a run and a variant", types.ErrInvalidInput)
	}
	_, err := w.svc.Exports.Render(ctx, p.AuditRunID, p.Variant)
	return err
}

func (w *Worker) cleanup(ctx context.Context, p types.JobPayload) error {
	if p.WorkingCopyID == "" {
		return fmt.Errorf("%w: cleanup job without working copy", types.ErrInvalidInput)
	}
	err := w.svc.Copies.Discard(ctx, p.WorkingCopyID)
	if errors.Is(err, provider.ErrNotFound) {
		w.logger.Info("working copy already gone", "workingCopy", p.WorkingCopyID)
		return nil
	}
	return err
}
