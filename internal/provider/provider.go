// Package provider defines the storage backend interface for auditlane.
package provider

import (
	"context"
	"errors"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

var (
	// ErrNotFound is returned by Get* lookups for missing records.
	ErrNotFound = errors.New("not found")

	// ErrStalePredecessor is returned by CompleteAuditRun when another run
	// completed for the project after the caller computed its diff.
	ErrStalePredecessor = errors.New("stale predecessor run")
)

// RevisionCommit is the unit written by CommitRevision. When WorkingCopy is
// set, it is swapped in (guarded by ExpectedWorkingCopyVersion) in the same
// atomic write that creates the revision.
type RevisionCommit struct {
	Revision                   types.Revision
	Files                      []types.RevisionFile
	WorkingCopy                *types.WorkingCopy
	ExpectedWorkingCopyVersion int
}

// Completion is the unit written by CompleteAuditRun: the run's transition to
// completed plus the finding lifecycle diff computed against PreviousRunID.
type Completion struct {
	Run             types.AuditRun
	ExpectedVersion int
	PreviousRunID   string
	Findings        []types.Finding
	Instances       []types.FindingInstance
	Transitions     []types.FindingTransition
}

// Provider is the storage backend interface. Every method that could violate
// a uniqueness invariant validates it inside its own write.
type Provider interface {
	// Projects
	CreateProject(ctx context.Context, project types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	UpdateProject(ctx context.Context, project types.Project) error

	// Blobs: insert-if-absent keyed by sha256. Returns the stored row and
	// whether this call created it.
	InsertBlobIfAbsent(ctx context.Context, blob types.FileBlob) (*types.FileBlob, bool, error)
	GetBlobBySHA(ctx context.Context, sha256 string) (*types.FileBlob, error)

	// Revisions are written once and never mutated. Returns false when the
	// working copy version guard did not match.
	CommitRevision(ctx context.Context, commit RevisionCommit) (bool, error)
	GetRevision(ctx context.Context, id string) (*types.Revision, error)
	ListRevisions(ctx context.Context, projectID string, limit int) ([]types.Revision, error)
	ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error)

	// Working copies. OpenWorkingCopy creates wc with its seed files unless a
	// live (active or locked) copy already exists for the same triple, in
	// which case that copy is returned with created=false.
	OpenWorkingCopy(ctx context.Context, wc types.WorkingCopy, files []types.WorkingCopyFile) (*types.WorkingCopy, bool, error)
	GetWorkingCopy(ctx context.Context, id string) (*types.WorkingCopy, error)
	ListWorkingCopies(ctx context.Context, projectID string) ([]types.WorkingCopy, error)
	ListWorkingCopyFiles(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error)
	PutWorkingCopyFile(ctx context.Context, file types.WorkingCopyFile) error
	DeleteWorkingCopyFile(ctx context.Context, workingCopyID, path string) error
	CompareAndSwapWorkingCopy(ctx context.Context, id string, expectedVersion int, wc types.WorkingCopy) (bool, error)

	// Audit runs. CreateAuditRun returns *types.ConflictError when the project
	// already has a queued or running run.
	CreateAuditRun(ctx context.Context, run types.AuditRun) error
	GetAuditRun(ctx context.Context, id string) (*types.AuditRun, error)
	ListAuditRuns(ctx context.Context, projectID string, limit int) ([]types.AuditRun, error)
	GetActiveAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error)
	CompareAndSwapAuditRun(ctx context.Context, id string, expectedVersion int, run types.AuditRun) (bool, error)
	LatestCompletedAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error)
	CompleteAuditRun(ctx context.Context, c Completion) (bool, error)

	// Verification steps
	PutVerificationStep(ctx context.Context, step types.VerificationStep) error
	GetVerificationStep(ctx context.Context, id string) (*types.VerificationStep, error)
	ListVerificationSteps(ctx context.Context, auditRunID string) ([]types.VerificationStep, error)
	CompareAndSwapVerificationStep(ctx context.Context, id string, expectedVersion int, step types.VerificationStep) (bool, error)

	// Findings
	GetFindingByFingerprint(ctx context.Context, projectID, fingerprint string) (*types.Finding, error)
	ListFindings(ctx context.Context, projectID string) ([]types.Finding, error)
	ListFindingInstances(ctx context.Context, auditRunID string) ([]types.FindingInstance, error)
	ListFindingTransitions(ctx context.Context, findingID string) ([]types.FindingTransition, error)

	// PDF exports, unique per (auditRunID, variant).
	CreatePdfExport(ctx context.Context, export types.PdfExport) (*types.PdfExport, bool, error)
	GetPdfExport(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error)
	CompareAndSwapPdfExport(ctx context.Context, expectedVersion int, export types.PdfExport) (bool, error)

	// Job events, append-only, newest first.
	AppendJobEvent(ctx context.Context, event types.JobEvent) error
	ListJobEvents(ctx context.Context, projectID string, limit int) ([]types.JobEvent, error)

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error
}
