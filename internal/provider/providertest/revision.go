package providertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

func newRevision(projectID, parentID string, source types.RevisionSource, paths ...string) provider.RevisionCommit {
	rev := types.Revision{
		ID:               ident.New(),
		ProjectID:        projectID,
		ParentRevisionID: parentID,
		Source:           source,
		IsImmutable:      true,
		CreatedBy:        "user-1",
		FileCount:        len(paths),
		CreatedAt:        time.Now().UTC(),
	}
	files := make([]types.RevisionFile, 0, len(paths))
	for _, p := range paths {
		files = append(files, types.RevisionFile{
			RevisionID: rev.ID,
			Path:       p,
			BlobID:     "blob-" + p,
			SHA256:     "sha-" + p,
			Size:       int64(len(p)),
			Language:   types.LanguageTolk,
		})
	}
	return provider.RevisionCommit{Revision: rev, Files: files}
}

// TestRevisionCommit verifies an upload revision round-trips with its files.
func TestRevisionCommit(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-rev")

	first := newRevision(p.ID, "", types.SourceUpload, "contracts/b.tolk", "contracts/a.tolk")
	ok, err := prov.CommitRevision(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	second := newRevision(p.ID, first.Revision.ID, types.SourceUpload, "contracts/a.tolk")
	ok, err = prov.CommitRevision(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := prov.GetRevision(ctx, first.Revision.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ProjectID)
	assert.Equal(t, types.SourceUpload, got.Source)
	assert.True(t, got.IsImmutable)
	assert.Empty(t, got.ParentRevisionID)
	assert.Equal(t, 2, got.FileCount)

	files, err := prov.ListRevisionFiles(ctx, first.Revision.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "contracts/a.tolk", files[0].Path)
	assert.Equal(t, "contracts/b.tolk", files[1].Path)
	assert.Equal(t, "sha-contracts/a.tolk", files[0].SHA256)

	revs, err := prov.ListRevisions(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, second.Revision.ID, revs[0].ID, "newest first")
	assert.Equal(t, first.Revision.ID, revs[1].ID)
	assert.Equal(t, first.Revision.ID, revs[0].ParentRevisionID)

	_, err = prov.GetRevision(ctx, "ct-rev-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestRevisionCommitWorkingCopy verifies the revision and the working copy
// discard land together, and that a stale working copy version writes nothing.
func TestRevisionCommitWorkingCopy(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-rev-wc")

	base := newRevision(p.ID, "", types.SourceUpload, "main.tolk")
	_, err := prov.CommitRevision(ctx, base)
	require.NoError(t, err)

	wc, created, err := prov.OpenWorkingCopy(ctx, newWorkingCopy(p.ID, base.Revision.ID, "user-1"), nil)
	require.NoError(t, err)
	require.True(t, created)

	// Stale version: nothing is written.
	stale := newRevision(p.ID, base.Revision.ID, types.SourceWorkingCopy, "main.tolk")
	discarded := *wc
	discarded.Status = types.WorkingCopyDiscarded
	discarded.Version = wc.Version + 1
	discarded.CommittedRevisionID = stale.Revision.ID
	stale.WorkingCopy = &discarded
	stale.ExpectedWorkingCopyVersion = wc.Version + 5
	ok, err := prov.CommitRevision(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = prov.GetRevision(ctx, stale.Revision.ID)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	commit := newRevision(p.ID, base.Revision.ID, types.SourceWorkingCopy, "main.tolk", "lib.tolk")
	discarded.CommittedRevisionID = commit.Revision.ID
	commit.WorkingCopy = &discarded
	commit.ExpectedWorkingCopyVersion = wc.Version
	ok, err = prov.CommitRevision(ctx, commit)
	require.NoError(t, err)
	assert.True(t, ok)

	gotWC, err := prov.GetWorkingCopy(ctx, wc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkingCopyDiscarded, gotWC.Status)
	assert.Equal(t, commit.Revision.ID, gotWC.CommittedRevisionID)

	rev, err := prov.GetRevision(ctx, commit.Revision.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Revision.ID, rev.ParentRevisionID)
	assert.Equal(t, types.SourceWorkingCopy, rev.Source)
}

// TestRevisionCommitManyFiles verifies large file sets are committed in full.
func TestRevisionCommitManyFiles(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-rev-many")

	paths := make([]string, 150)
	for i := range paths {
		paths[i] = fmt.Sprintf("src/file-%03d.fc", i)
	}
	commit := newRevision(p.ID, "", types.SourceUpload, paths...)
	ok, err := prov.CommitRevision(ctx, commit)
	require.NoError(t, err)
	require.True(t, ok)

	files, err := prov.ListRevisionFiles(ctx, commit.Revision.ID)
	require.NoError(t, err)
	require.Len(t, files, 150)
	assert.Equal(t, "src/file-000.fc", files[0].Path)
	assert.Equal(t, "src/file-149.fc", files[149].Path)
}
