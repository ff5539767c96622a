// Package providertest provides shared conformance tests for provider.Provider
// implementations. Call RunAll from a test function to verify a provider
// satisfies the full behavioral contract.
package providertest

import (
	"testing"
	"time"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// RunAll runs the complete provider conformance suite as subtests.
func RunAll(t *testing.T, prov provider.Provider) {
	t.Helper()

	t.Run("ProjectCRUD", func(t *testing.T) { TestProjectCRUD(t, prov) })
	t.Run("BlobInsertIfAbsent", func(t *testing.T) { TestBlobInsertIfAbsent(t, prov) })
	t.Run("BlobConcurrentInsert", func(t *testing.T) { TestBlobConcurrentInsert(t, prov) })
	t.Run("RevisionCommit", func(t *testing.T) { TestRevisionCommit(t, prov) })
	t.Run("RevisionCommitWorkingCopy", func(t *testing.T) { TestRevisionCommitWorkingCopy(t, prov) })
	t.Run("RevisionCommitManyFiles", func(t *testing.T) { TestRevisionCommitManyFiles(t, prov) })
	t.Run("WorkingCopyOpenIdempotent", func(t *testing.T) { TestWorkingCopyOpenIdempotent(t, prov) })
	t.Run("WorkingCopyConcurrentOpen", func(t *testing.T) { TestWorkingCopyConcurrentOpen(t, prov) })
	t.Run("WorkingCopyFiles", func(t *testing.T) { TestWorkingCopyFiles(t, prov) })
	t.Run("WorkingCopyDiscardReleasesSlot", func(t *testing.T) { TestWorkingCopyDiscardReleasesSlot(t, prov) })
	t.Run("AuditRunCreateConflict", func(t *testing.T) { TestAuditRunCreateConflict(t, prov) })
	t.Run("AuditRunCompareAndSwap", func(t *testing.T) { TestAuditRunCompareAndSwap(t, prov) })
	t.Run("AuditRunActiveRace", func(t *testing.T) { TestAuditRunActiveRace(t, prov) })
	t.Run("AuditRunList", func(t *testing.T) { TestAuditRunList(t, prov) })
	t.Run("CompleteAuditRun", func(t *testing.T) { TestCompleteAuditRun(t, prov) })
	t.Run("CompleteAuditRunStalePredecessor", func(t *testing.T) { TestCompleteAuditRunStalePredecessor(t, prov) })
	t.Run("CompleteAuditRunVersionGuard", func(t *testing.T) { TestCompleteAuditRunVersionGuard(t, prov) })
	t.Run("VerificationSteps", func(t *testing.T) { TestVerificationSteps(t, prov) })
	t.Run("PdfExports", func(t *testing.T) { TestPdfExports(t, prov) })
	t.Run("JobEvents", func(t *testing.T) { TestJobEvents(t, prov) })
}

func newProject(prefix string) types.Project {
	now := time.Now().UTC()
	id := prefix + "-" + ident.New()
	return types.Project{
		ID:             id,
		OwnerID:        "owner-1",
		Name:           prefix,
		Slug:           id,
		LifecycleState: types.ProjectReady,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newRun(projectID, revisionID string) types.AuditRun {
	now := time.Now().UTC()
	return types.AuditRun{
		ID:          ident.New(),
		ProjectID:   projectID,
		RevisionID:  revisionID,
		Status:      types.RunQueued,
		Version:     1,
		RequestedBy: "user-1",
		Profile:     types.ProfileFast,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newWorkingCopy(projectID, baseRevisionID, owner string) types.WorkingCopy {
	now := time.Now().UTC()
	return types.WorkingCopy{
		ID:             ident.New(),
		ProjectID:      projectID,
		BaseRevisionID: baseRevisionID,
		OwnerUserID:    owner,
		Status:         types.WorkingCopyActive,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
