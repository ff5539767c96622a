package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const storageScopeName = "github.com/dwsmith1983/auditlane/storage"

// InstrumentedProvider wraps provider.Provider with OTel tracing and metrics.
// Every method gets a client span and is counted in auditlane.storage.*.
type InstrumentedProvider struct {
	inner  provider.Provider
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ provider.Provider = (*InstrumentedProvider)(nil)

// WrapProvider returns p decorated with instrumentation from the global
// providers. When enabled is false, p is returned unchanged.
func WrapProvider(p provider.Provider, enabled bool) provider.Provider {
	if !enabled {
		return p
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("auditlane.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("auditlane.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("auditlane.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedProvider{
		inner:  p,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedProvider) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time, []attribute.KeyValue) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all[0]))
	return ctx, span, time.Now(), all[:1]
}

func (s *InstrumentedProvider) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs []attribute.KeyValue) {
	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func call0(s *InstrumentedProvider, ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span, start, mattrs := s.op(ctx, name, attrs...)
	err := fn(ctx)
	s.done(ctx, span, start, err, mattrs)
	return err
}

func call1[T any](s *InstrumentedProvider, ctx context.Context, name string, fn func(context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	ctx, span, start, mattrs := s.op(ctx, name, attrs...)
	v, err := fn(ctx)
	s.done(ctx, span, start, err, mattrs)
	return v, err
}

func call2[T, U any](s *InstrumentedProvider, ctx context.Context, name string, fn func(context.Context) (T, U, error), attrs ...attribute.KeyValue) (T, U, error) {
	ctx, span, start, mattrs := s.op(ctx, name, attrs...)
	v, w, err := fn(ctx)
	s.done(ctx, span, start, err, mattrs)
	return v, w, err
}

func projectAttr(id string) attribute.KeyValue { return attribute.String("auditlane.project.id", id) }
func runAttr(id string) attribute.KeyValue     { return attribute.String("auditlane.audit_run.id", id) }

// Projects

func (s *InstrumentedProvider) CreateProject(ctx context.Context, project types.Project) error {
	return call0(s, ctx, "CreateProject", func(ctx context.Context) error {
		return s.inner.CreateProject(ctx, project)
	}, projectAttr(project.ID))
}

func (s *InstrumentedProvider) GetProject(ctx context.Context, id string) (*types.Project, error) {
	return call1(s, ctx, "GetProject", func(ctx context.Context) (*types.Project, error) {
		return s.inner.GetProject(ctx, id)
	}, projectAttr(id))
}

func (s *InstrumentedProvider) UpdateProject(ctx context.Context, project types.Project) error {
	return call0(s, ctx, "UpdateProject", func(ctx context.Context) error {
		return s.inner.UpdateProject(ctx, project)
	}, projectAttr(project.ID))
}

// Blobs

func (s *InstrumentedProvider) InsertBlobIfAbsent(ctx context.Context, blob types.FileBlob) (*types.FileBlob, bool, error) {
	return call2(s, ctx, "InsertBlobIfAbsent", func(ctx context.Context) (*types.FileBlob, bool, error) {
		return s.inner.InsertBlobIfAbsent(ctx, blob)
	}, attribute.Int64("auditlane.blob.size", blob.Size))
}

func (s *InstrumentedProvider) GetBlobBySHA(ctx context.Context, sha256 string) (*types.FileBlob, error) {
	return call1(s, ctx, "GetBlobBySHA", func(ctx context.Context) (*types.FileBlob, error) {
		return s.inner.GetBlobBySHA(ctx, sha256)
	})
}

// Revisions

func (s *InstrumentedProvider) CommitRevision(ctx context.Context, commit provider.RevisionCommit) (bool, error) {
	return call1(s, ctx, "CommitRevision", func(ctx context.Context) (bool, error) {
		return s.inner.CommitRevision(ctx, commit)
	}, projectAttr(commit.Revision.ProjectID), attribute.Int("auditlane.revision.files", len(commit.Files)))
}

func (s *InstrumentedProvider) GetRevision(ctx context.Context, id string) (*types.Revision, error) {
	return call1(s, ctx, "GetRevision", func(ctx context.Context) (*types.Revision, error) {
		return s.inner.GetRevision(ctx, id)
	})
}

func (s *InstrumentedProvider) ListRevisions(ctx context.Context, projectID string, limit int) ([]types.Revision, error) {
	return call1(s, ctx, "ListRevisions", func(ctx context.Context) ([]types.Revision, error) {
		return s.inner.ListRevisions(ctx, projectID, limit)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error) {
	return call1(s, ctx, "ListRevisionFiles", func(ctx context.Context) ([]types.RevisionFile, error) {
		return s.inner.ListRevisionFiles(ctx, revisionID)
	})
}

// Working copies

func (s *InstrumentedProvider) OpenWorkingCopy(ctx context.Context, wc types.WorkingCopy, files []types.WorkingCopyFile) (*types.WorkingCopy, bool, error) {
	return call2(s, ctx, "OpenWorkingCopy", func(ctx context.Context) (*types.WorkingCopy, bool, error) {
		return s.inner.OpenWorkingCopy(ctx, wc, files)
	}, projectAttr(wc.ProjectID))
}

func (s *InstrumentedProvider) GetWorkingCopy(ctx context.Context, id string) (*types.WorkingCopy, error) {
	return call1(s, ctx, "GetWorkingCopy", func(ctx context.Context) (*types.WorkingCopy, error) {
		return s.inner.GetWorkingCopy(ctx, id)
	})
}

func (s *InstrumentedProvider) ListWorkingCopies(ctx context.Context, projectID string) ([]types.WorkingCopy, error) {
	return call1(s, ctx, "ListWorkingCopies", func(ctx context.Context) ([]types.WorkingCopy, error) {
		return s.inner.ListWorkingCopies(ctx, projectID)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) ListWorkingCopyFiles(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error) {
	return call1(s, ctx, "ListWorkingCopyFiles", func(ctx context.Context) ([]types.WorkingCopyFile, error) {
		return s.inner.ListWorkingCopyFiles(ctx, workingCopyID)
	})
}

func (s *InstrumentedProvider) PutWorkingCopyFile(ctx context.Context, file types.WorkingCopyFile) error {
	return call0(s, ctx, "PutWorkingCopyFile", func(ctx context.Context) error {
		return s.inner.PutWorkingCopyFile(ctx, file)
	})
}

func (s *InstrumentedProvider) DeleteWorkingCopyFile(ctx context.Context, workingCopyID, path string) error {
	return call0(s, ctx, "DeleteWorkingCopyFile", func(ctx context.Context) error {
		return s.inner.DeleteWorkingCopyFile(ctx, workingCopyID, path)
	})
}

func (s *InstrumentedProvider) CompareAndSwapWorkingCopy(ctx context.Context, id string, expectedVersion int, wc types.WorkingCopy) (bool, error) {
	return call1(s, ctx, "CompareAndSwapWorkingCopy", func(ctx context.Context) (bool, error) {
		return s.inner.CompareAndSwapWorkingCopy(ctx, id, expectedVersion, wc)
	}, projectAttr(wc.ProjectID))
}

// Audit runs

func (s *InstrumentedProvider) CreateAuditRun(ctx context.Context, run types.AuditRun) error {
	return call0(s, ctx, "CreateAuditRun", func(ctx context.Context) error {
		return s.inner.CreateAuditRun(ctx, run)
	}, projectAttr(run.ProjectID), runAttr(run.ID))
}

func (s *InstrumentedProvider) GetAuditRun(ctx context.Context, id string) (*types.AuditRun, error) {
	return call1(s, ctx, "GetAuditRun", func(ctx context.Context) (*types.AuditRun, error) {
		return s.inner.GetAuditRun(ctx, id)
	}, runAttr(id))
}

func (s *InstrumentedProvider) ListAuditRuns(ctx context.Context, projectID string, limit int) ([]types.AuditRun, error) {
	return call1(s, ctx, "ListAuditRuns", func(ctx context.Context) ([]types.AuditRun, error) {
		return s.inner.ListAuditRuns(ctx, projectID, limit)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) GetActiveAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	return call1(s, ctx, "GetActiveAuditRun", func(ctx context.Context) (*types.AuditRun, error) {
		return s.inner.GetActiveAuditRun(ctx, projectID)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) CompareAndSwapAuditRun(ctx context.Context, id string, expectedVersion int, run types.AuditRun) (bool, error) {
	return call1(s, ctx, "CompareAndSwapAuditRun", func(ctx context.Context) (bool, error) {
		return s.inner.CompareAndSwapAuditRun(ctx, id, expectedVersion, run)
	}, runAttr(id), attribute.String("auditlane.audit_run.status", string(run.Status)))
}

func (s *InstrumentedProvider) LatestCompletedAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	return call1(s, ctx, "LatestCompletedAuditRun", func(ctx context.Context) (*types.AuditRun, error) {
		return s.inner.LatestCompletedAuditRun(ctx, projectID)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) CompleteAuditRun(ctx context.Context, c provider.Completion) (bool, error) {
	return call1(s, ctx, "CompleteAuditRun", func(ctx context.Context) (bool, error) {
		return s.inner.CompleteAuditRun(ctx, c)
	}, runAttr(c.Run.ID), attribute.Int("auditlane.findings.transitions", len(c.Transitions)))
}

// Verification steps

func (s *InstrumentedProvider) PutVerificationStep(ctx context.Context, step types.VerificationStep) error {
	return call0(s, ctx, "PutVerificationStep", func(ctx context.Context) error {
		return s.inner.PutVerificationStep(ctx, step)
	}, runAttr(step.AuditRunID))
}

func (s *InstrumentedProvider) GetVerificationStep(ctx context.Context, id string) (*types.VerificationStep, error) {
	return call1(s, ctx, "GetVerificationStep", func(ctx context.Context) (*types.VerificationStep, error) {
		return s.inner.GetVerificationStep(ctx, id)
	})
}

func (s *InstrumentedProvider) ListVerificationSteps(ctx context.Context, auditRunID string) ([]types.VerificationStep, error) {
	return call1(s, ctx, "ListVerificationSteps", func(ctx context.Context) ([]types.VerificationStep, error) {
		return s.inner.ListVerificationSteps(ctx, auditRunID)
	}, runAttr(auditRunID))
}

func (s *InstrumentedProvider) CompareAndSwapVerificationStep(ctx context.Context, id string, expectedVersion int, step types.VerificationStep) (bool, error) {
	return call1(s, ctx, "CompareAndSwapVerificationStep", func(ctx context.Context) (bool, error) {
		return s.inner.CompareAndSwapVerificationStep(ctx, id, expectedVersion, step)
	}, runAttr(step.AuditRunID))
}

// Findings

func (s *InstrumentedProvider) GetFindingByFingerprint(ctx context.Context, projectID, fingerprint string) (*types.Finding, error) {
	return call1(s, ctx, "GetFindingByFingerprint", func(ctx context.Context) (*types.Finding, error) {
		return s.inner.GetFindingByFingerprint(ctx, projectID, fingerprint)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) ListFindings(ctx context.Context, projectID string) ([]types.Finding, error) {
	return call1(s, ctx, "ListFindings", func(ctx context.Context) ([]types.Finding, error) {
		return s.inner.ListFindings(ctx, projectID)
	}, projectAttr(projectID))
}

func (s *InstrumentedProvider) ListFindingInstances(ctx context.Context, auditRunID string) ([]types.FindingInstance, error) {
	return call1(s, ctx, "ListFindingInstances", func(ctx context.Context) ([]types.FindingInstance, error) {
		return s.inner.ListFindingInstances(ctx, auditRunID)
	}, runAttr(auditRunID))
}

func (s *InstrumentedProvider) ListFindingTransitions(ctx context.Context, findingID string) ([]types.FindingTransition, error) {
	return call1(s, ctx, "ListFindingTransitions", func(ctx context.Context) ([]types.FindingTransition, error) {
		return s.inner.ListFindingTransitions(ctx, findingID)
	})
}

// PDF exports

func (s *InstrumentedProvider) CreatePdfExport(ctx context.Context, export types.PdfExport) (*types.PdfExport, bool, error) {
	return call2(s, ctx, "CreatePdfExport", func(ctx context.Context) (*types.PdfExport, bool, error) {
		return s.inner.CreatePdfExport(ctx, export)
	}, runAttr(export.AuditRunID))
}

func (s *InstrumentedProvider) GetPdfExport(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	return call1(s, ctx, "GetPdfExport", func(ctx context.Context) (*types.PdfExport, error) {
		return s.inner.GetPdfExport(ctx, auditRunID, variant)
	}, runAttr(auditRunID))
}

func (s *InstrumentedProvider) CompareAndSwapPdfExport(ctx context.Context, expectedVersion int, export types.PdfExport) (bool, error) {
	return call1(s, ctx, "CompareAndSwapPdfExport", func(ctx context.Context) (bool, error) {
		return s.inner.CompareAndSwapPdfExport(ctx, expectedVersion, export)
	}, runAttr(export.AuditRunID))
}

// Job events

func (s *InstrumentedProvider) AppendJobEvent(ctx context.Context, event types.JobEvent) error {
	return call0(s, ctx, "AppendJobEvent", func(ctx context.Context) error {
		return s.inner.AppendJobEvent(ctx, event)
	}, projectAttr(event.ProjectID))
}

func (s *InstrumentedProvider) ListJobEvents(ctx context.Context, projectID string, limit int) ([]types.JobEvent, error) {
	return call1(s, ctx, "ListJobEvents", func(ctx context.Context) ([]types.JobEvent, error) {
		return s.inner.ListJobEvents(ctx, projectID, limit)
	}, projectAttr(projectID))
}

// Lifecycle

func (s *InstrumentedProvider) Start(ctx context.Context) error { return s.inner.Start(ctx) }

func (s *InstrumentedProvider) Stop(ctx context.Context) error { return s.inner.Stop(ctx) }

func (s *InstrumentedProvider) Ping(ctx context.Context) error {
	return call0(s, ctx, "Ping", s.inner.Ping)
}
