package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/auditrun"
	"github.com/dwsmith1983/auditlane/internal/content"
	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/engine"
	"github.com/dwsmith1983/auditlane/internal/export"
	"github.com/dwsmith1983/auditlane/internal/findings"
	"github.com/dwsmith1983/auditlane/internal/project"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/testutil"
	"github.com/dwsmith1983/auditlane/internal/verification"
	"github.com/dwsmith1983/auditlane/internal/workcopy"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

type stubIngester struct {
	calls int
	err   error
}

func (s *stubIngester) Ingest(_ context.Context, _ engine.IngestRequest) error {
	s.calls++
	return s.err
}

type stubAuditor struct {
	mu       sync.Mutex
	calls    int
	failures int // leading calls that fail with err
	err      error
	report   *engine.AuditReport
}

func (s *stubAuditor) Audit(_ context.Context, _ engine.AuditRequest) (*engine.AuditReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil && (s.failures == 0 || s.calls <= s.failures) {
		return nil, s.err
	}
	return s.report, nil
}

type stubRenderer struct{ calls int }

func (s *stubRenderer) Render(_ context.Context, req engine.RenderRequest) (*engine.RenderResult, error) {
	s.calls++
	return &engine.RenderResult{ObjectKey: "exports/" + req.AuditRunID + "/" + string(req.Variant) + ".pdf"}, nil
}

type fixture struct {
	prov     *testutil.MockProvider
	queue    *testutil.MemoryQueue
	runs     *auditrun.Machine
	copies   *workcopy.Manager
	steps    *verification.Tracker
	ingester *stubIngester
	auditor  *stubAuditor
	renderer *stubRenderer
	worker   *Worker
}

func newFixture(t *testing.T, cfg types.PipelineConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	prov := testutil.NewMockProvider()
	queue := testutil.NewMemoryQueue()
	d, err := dispatch.New(queue, dispatch.DefaultQueueNames(), prov)
	require.NoError(t, err)
	blobs := content.New(prov, testutil.NewMemoryBlobBackend())

	runs := auditrun.New(prov, d, findings.NewEngine(prov), nil)
	copies := workcopy.New(prov, blobs)
	steps := verification.NewTracker(prov, blobs)
	renderer := &stubRenderer{}
	f := &fixture{
		prov:     prov,
		queue:    queue,
		runs:     runs,
		copies:   copies,
		steps:    steps,
		ingester: &stubIngester{},
		auditor: &stubAuditor{report: &engine.AuditReport{
			Report: json.RawMessage(`{"summary":"2 issues"}`),
			Findings: []findings.Reported{
				{Fingerprint: "fp-reentrancy", Severity: types.SeverityHigh},
				{Fingerprint: "fp-bounce", Severity: types.SeverityLow},
			},
			Steps: []engine.StepResult{
				{StepType: "compile", Toolchain: "tolk", Status: types.StepCompleted, Stdout: []byte("ok"), DurationMs: 1200},
				{StepType: "test", Toolchain: "sandbox", Status: types.StepFailed, Stderr: []byte("1 failing"), DurationMs: 800},
				{StepType: "lint", Toolchain: "misti", Status: types.StepSkipped},
			},
		}},
		renderer: renderer,
	}
	f.worker = New(Services{
		Provider: prov,
		Jobs:     d,
		Projects: project.New(prov, runs, copies),
		Runs:     runs,
		Steps:    steps,
		Exports:  export.New(prov, d, renderer),
		Copies:   copies,
		Ingester: f.ingester,
		Auditor:  f.auditor,
	}, cfg)
	f.worker.SetBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	})

	now := time.Now().UTC()
	require.NoError(t, prov.CreateProject(ctx, types.Project{ID: "P", Name: "Jetton", LifecycleState: types.ProjectInitializing, CreatedAt: now}))
	ok, err := prov.CommitRevision(ctx, provider.RevisionCommit{
		Revision: types.Revision{ID: "R1", ProjectID: "P", Source: types.SourceUpload, IsImmutable: true, FileCount: 1, CreatedAt: now},
		Files:    []types.RevisionFile{{RevisionID: "R1", Path: "contracts/jetton.tolk", SHA256: "abc", Size: 10, Language: types.LanguageTolk}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	return f
}

func (f *fixture) requestAudit(t *testing.T) *types.AuditRun {
	t.Helper()
	run, err := f.runs.RequestAudit(context.Background(), "P", "R1", "user-1", types.AuditOptions{})
	require.NoError(t, err)
	return run
}

func auditJob(runID string) types.Job {
	return types.Job{Step: types.StepAudit, JobID: dispatch.AuditJobID(runID), Payload: types.JobPayload{ProjectID: "P", RevisionID: "R1", AuditRunID: runID}}
}

func eventKinds(t *testing.T, prov *testutil.MockProvider, jobID string) []types.JobEventKind {
	t.Helper()
	events, err := prov.ListJobEvents(context.Background(), "P", 0)
	require.NoError(t, err)
	var kinds []types.JobEventKind
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].JobID == jobID {
			kinds = append(kinds, events[i].Event)
		}
	}
	return kinds
}

func TestIngest_MarksReadyAndAutoAudits(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{AutoAudit: true})
	ctx := context.Background()
	job := types.Job{Step: types.StepIngest, JobID: dispatch.IngestJobID("R1"), Payload: types.JobPayload{ProjectID: "P", RevisionID: "R1"}}

	require.NoError(t, f.worker.Handle(ctx, job))
	assert.Equal(t, 1, f.ingester.calls)

	p, err := f.prov.GetProject(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectReady, p.LifecycleState)

	active, err := f.prov.GetActiveAuditRun(ctx, "P")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, RequestedBySystem, active.RequestedBy)
	assert.Len(t, f.queue.MessagesFor("auditlane-audit"), 1)
	assert.Equal(t, []types.JobEventKind{types.JobStarted, types.JobCompleted}, eventKinds(t, f.prov, job.JobID))

	// Redelivery finds the active run and still succeeds.
	require.NoError(t, f.worker.Handle(ctx, job))
	runs, err := f.prov.ListAuditRuns(ctx, "P", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestIngest_EngineRejectsRevision(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	f.ingester.err = &engine.Error{Op: engine.OpIngest, Message: "unsupported toolchain"}
	job := types.Job{Step: types.StepIngest, JobID: dispatch.IngestJobID("R1"), Payload: types.JobPayload{ProjectID: "P", RevisionID: "R1"}}

	err := f.worker.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, types.ClassPermanent, types.Classify(err))
	assert.Equal(t, 1, f.ingester.calls, "permanent errors are not retried")
	assert.Equal(t, []types.JobEventKind{types.JobStarted, types.JobFailed}, eventKinds(t, f.prov, job.JobID))
}

func TestAudit_CompletesRecordsStepsAndRequestsExports(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{PdfVariants: []types.PdfExportVariant{types.VariantClient, types.VariantInternal}})
	ctx := context.Background()
	run := f.requestAudit(t)

	require.NoError(t, f.worker.Handle(ctx, auditJob(run.ID)))

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
	assert.JSONEq(t, `{"summary":"2 issues"}`, string(got.ReportJSON))

	list, err := f.prov.ListFindings(ctx, "P")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	steps, err := f.steps.List(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	byType := map[string]types.VerificationStep{}
	for _, s := range steps {
		byType[s.StepType] = s
	}
	assert.Equal(t, types.StepCompleted, byType["compile"].Status)
	assert.NotEmpty(t, byType["compile"].StdoutKey)
	assert.Equal(t, int64(1200), byType["compile"].DurationMs)
	assert.Equal(t, types.StepFailed, byType["test"].Status)
	assert.Equal(t, types.StepSkipped, byType["lint"].Status)

	assert.Len(t, f.queue.MessagesFor("auditlane-pdf"), 2)

	// Duplicate delivery: acknowledged without calling the auditor again.
	require.NoError(t, f.worker.Handle(ctx, auditJob(run.ID)))
	assert.Equal(t, 1, f.auditor.calls)
	assert.Len(t, f.queue.MessagesFor("auditlane-pdf"), 2)
}

func TestAudit_TransientEngineErrorRetried(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	f.auditor.err = types.ErrEngineUnavailable
	f.auditor.failures = 2
	run := f.requestAudit(t)

	require.NoError(t, f.worker.Handle(context.Background(), auditJob(run.ID)))
	assert.Equal(t, 3, f.auditor.calls)
	got, err := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
}

func TestAudit_TransientBudgetExhaustedLeavesRunRunning(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	f.auditor.err = types.ErrEngineUnavailable
	run := f.requestAudit(t)

	err := f.worker.Handle(context.Background(), auditJob(run.ID))
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 3, f.auditor.calls)

	got, err := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status, "the broker redelivers; the run keeps its slot")
}

func TestAudit_PermanentEngineErrorFailsRun(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	f.auditor.err = &engine.Error{Op: engine.OpAudit, Message: "model refused"}
	run := f.requestAudit(t)

	err := f.worker.Handle(context.Background(), auditJob(run.ID))
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)

	got, gerr := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, types.RunFailed, got.Status)
	assert.Contains(t, got.FailureReason, "model refused")
	assert.Equal(t, []types.JobEventKind{types.JobQueued, types.JobStarted, types.JobFailed}, eventKinds(t, f.prov, dispatch.AuditJobID(run.ID)))

	_, aerr := f.prov.GetActiveAuditRun(context.Background(), "P")
	assert.ErrorIs(t, aerr, provider.ErrNotFound, "a failed run releases the project slot")
}

func TestAudit_InvalidReportFailsRun(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	f.auditor.report.Findings = []findings.Reported{{Fingerprint: "", Severity: types.SeverityHigh}}
	run := f.requestAudit(t)

	err := f.worker.Handle(context.Background(), auditJob(run.ID))
	require.ErrorIs(t, err, types.ErrInvalidInput)

	got, gerr := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, types.RunFailed, got.Status)
	assert.Contains(t, got.FailureReason, "fingerprint")

	next, err := f.runs.RequestAudit(context.Background(), "P", "R1", "user-1", types.AuditOptions{})
	require.NoError(t, err, "the project slot is free again")
	assert.NotEqual(t, run.ID, next.ID)
}

func TestAudit_CancelledRunIsDuplicate(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	run := f.requestAudit(t)
	_, err := f.runs.Cancel(context.Background(), run.ID, "user cancelled")
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(context.Background(), auditJob(run.ID)))
	assert.Zero(t, f.auditor.calls)
}

func TestPDF_RendersExport(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{PdfVariants: []types.PdfExportVariant{types.VariantClient}})
	ctx := context.Background()
	run := f.requestAudit(t)
	require.NoError(t, f.worker.Handle(ctx, auditJob(run.ID)))

	job := types.Job{Step: types.StepPDF, JobID: dispatch.PDFJobID(run.ID, types.VariantClient),
		Payload: types.JobPayload{ProjectID: "P", AuditRunID: run.ID, Variant: types.VariantClient}}
	require.NoError(t, f.worker.Handle(ctx, job))
	require.NoError(t, f.worker.Handle(ctx, job))
	assert.Equal(t, 1, f.renderer.calls)

	exp, err := f.prov.GetPdfExport(ctx, run.ID, types.VariantClient)
	require.NoError(t, err)
	assert.Equal(t, types.ExportCompleted, exp.Status)
	assert.Equal(t, "exports/"+run.ID+"/client.pdf", exp.ObjectKey)
}

func TestCleanup_DiscardsWorkingCopy(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	ctx := context.Background()
	wc, err := f.copies.Open(ctx, "P", "R1", "user-1")
	require.NoError(t, err)

	job := types.Job{Step: types.StepCleanup, JobID: dispatch.CleanupJobID(wc.ID), Payload: types.JobPayload{ProjectID: "P", WorkingCopyID: wc.ID}}
	require.NoError(t, f.worker.Handle(ctx, job))
	got, err := f.prov.GetWorkingCopy(ctx, wc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkingCopyDiscarded, got.Status)

	job.Payload.WorkingCopyID = "gone"
	assert.NoError(t, f.worker.Handle(ctx, job))
}

func TestExternalStepsAcknowledged(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	for _, step := range []types.JobStep{types.StepVerify, types.StepFindingLifecycle, types.StepDocsCrawl, types.StepDocsIndex} {
		assert.NoError(t, f.worker.Handle(context.Background(), types.Job{Step: step, JobID: string(step) + ":P", Payload: types.JobPayload{ProjectID: "P"}}))
	}
}

func TestHandle_Validation(t *testing.T) {
	f := newFixture(t, types.PipelineConfig{})
	ctx := context.Background()

	err := f.worker.Handle(ctx, types.Job{Step: "publish", JobID: "x"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	err = f.worker.Handle(ctx, types.Job{Step: types.StepAudit, JobID: "audit:", Payload: types.JobPayload{ProjectID: "P"}})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	err = f.worker.Handle(ctx, types.Job{Step: types.StepPDF, JobID: "pdf:", Payload: types.JobPayload{ProjectID: "P", AuditRunID: "x", Variant: "poster"}})
	assert.True(t, errors.Is(err, types.ErrInvalidInput))
}
