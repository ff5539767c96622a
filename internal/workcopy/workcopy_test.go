package workcopy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/content"
	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/testutil"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

type fixture struct {
	prov    *testutil.MockProvider
	blobs   *content.Store
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prov := testutil.NewMockProvider()
	blobs := content.New(prov, testutil.NewMemoryBlobBackend())
	now := time.Now().UTC()
	require.NoError(t, prov.CreateProject(context.Background(), types.Project{
		ID: "proj-1", OwnerID: "owner", Name: "Jetton", Slug: "jetton",
		LifecycleState: types.ProjectReady, CreatedAt: now, UpdatedAt: now,
	}))
	return &fixture{prov: prov, blobs: blobs, manager: New(prov, blobs)}
}

func (f *fixture) revision(t *testing.T, files map[string]string) string {
	t.Helper()
	ctx := context.Background()
	rev := types.Revision{ID: ident.New(), ProjectID: "proj-1", Source: types.SourceUpload, IsImmutable: true, FileCount: len(files), CreatedAt: time.Now().UTC()}
	var rfs []types.RevisionFile
	for path, body := range files {
		ref, err := f.blobs.PutBlob(ctx, []byte(body))
		require.NoError(t, err)
		rfs = append(rfs, types.RevisionFile{RevisionID: rev.ID, Path: path, BlobID: ref.ID, SHA256: ref.SHA256, Size: ref.Size, Language: types.LanguageFunC})
	}
	ok, err := f.prov.CommitRevision(ctx, provider.RevisionCommit{Revision: rev, Files: rfs})
	require.NoError(t, err)
	require.True(t, ok)
	return rev.ID
}

func TestOpen_SeedsFromBaseRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.revision(t, map[string]string{"a.fc": "alpha", "lib/b.fc": "beta"})

	wc, err := f.manager.Open(ctx, "proj-1", base, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkingCopyActive, wc.Status)
	assert.Equal(t, base, wc.BaseRevisionID)

	files, err := f.manager.Files(ctx, wc.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.fc", files[0].Path)
	assert.Equal(t, "alpha", string(files[0].Content))
	assert.Equal(t, "lib/b.fc", files[1].Path)
	assert.Equal(t, "beta", string(files[1].Content))
}

func TestOpen_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.revision(t, map[string]string{"a.fc": "alpha"})

	first, err := f.manager.Open(ctx, "proj-1", base, "user-1")
	require.NoError(t, err)
	second, err := f.manager.Open(ctx, "proj-1", base, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := f.manager.Open(ctx, "proj-1", base, "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestOpen_ConcurrentSameTriple(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.revision(t, map[string]string{"a.fc": "alpha"})

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wc, err := f.manager.Open(ctx, "proj-1", base, "user-1")
			if assert.NoError(t, err) {
				ids[i] = wc.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.prov.LiveWorkingCopyCount("proj-1", base, "user-1"))
}

func TestOpen_AfterDiscardCreatesNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.Discard(ctx, first.ID))

	second, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOpen_RejectsDeletedProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.prov.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	now := time.Now()
	p.DeletedAt = &now
	p.LifecycleState = types.ProjectDeleted
	require.NoError(t, f.prov.UpdateProject(ctx, *p))

	_, err = f.manager.Open(ctx, "proj-1", "", "user-1")
	assert.ErrorIs(t, err, types.ErrProjectDeleted)
}

func TestOpen_RejectsForeignRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.prov.CreateProject(ctx, types.Project{ID: "proj-2", LifecycleState: types.ProjectReady, CreatedAt: now, UpdatedAt: now}))
	base := f.revision(t, map[string]string{"a.fc": "alpha"})

	_, err := f.manager.Open(ctx, "proj-2", base, "user-1")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestWriteAndDeleteFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wc, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.WriteFile(ctx, wc.ID, "./contracts/main.tolk", []byte("fun main() {}")))
	require.NoError(t, f.manager.WriteFile(ctx, wc.ID, "contracts/main.tolk", []byte("fun main() { return; }")))
	require.NoError(t, f.manager.WriteFile(ctx, wc.ID, "README.md", []byte("# readme")))

	files, err := f.manager.Files(ctx, wc.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "README.md", files[0].Path)
	assert.Equal(t, types.LanguageOther, files[0].Language)
	assert.Equal(t, "contracts/main.tolk", files[1].Path)
	assert.Equal(t, types.LanguageTolk, files[1].Language)
	assert.Equal(t, "fun main() { return; }", string(files[1].Content))

	require.NoError(t, f.manager.DeleteFile(ctx, wc.ID, "README.md"))
	files, err = f.manager.Files(ctx, wc.ID)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestWriteFile_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wc, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.manager.WriteFile(ctx, wc.ID, "../escape.fc", []byte("x")), types.ErrInvalidInput)
	assert.ErrorIs(t, f.manager.WriteFile(ctx, wc.ID, "big.fc", make([]byte, maxFileSizeBytes+1)), types.ErrInvalidInput)
	assert.ErrorIs(t, f.manager.DeleteFile(ctx, wc.ID, "/abs.fc"), types.ErrInvalidInput)
}

func TestLockFencesEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wc, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)

	locked, err := f.manager.Lock(ctx, wc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkingCopyLocked, locked.Status)
	assert.Equal(t, wc.Version+1, locked.Version)

	err = f.manager.WriteFile(ctx, wc.ID, "a.fc", []byte("x"))
	assert.ErrorIs(t, err, types.ErrWorkingCopyNotActive)

	_, err = f.manager.Lock(ctx, wc.ID)
	assert.ErrorIs(t, err, types.ErrWorkingCopyLocked)

	unlocked, err := f.manager.Unlock(ctx, wc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkingCopyActive, unlocked.Status)
	require.NoError(t, f.manager.WriteFile(ctx, wc.ID, "a.fc", []byte("x")))

	again, err := f.manager.Unlock(ctx, wc.ID)
	require.NoError(t, err)
	assert.Equal(t, unlocked.Version, again.Version, "unlocking an active copy is a no-op")
}

func TestLockedCopyStillHoldsSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wc, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)
	_, err = f.manager.Lock(ctx, wc.ID)
	require.NoError(t, err)

	again, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)
	assert.Equal(t, wc.ID, again.ID)
	assert.Equal(t, types.WorkingCopyLocked, again.Status)
}

func TestDiscard_Irreversible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wc, err := f.manager.Open(ctx, "proj-1", "", "user-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.Discard(ctx, wc.ID))
	require.NoError(t, f.manager.Discard(ctx, wc.ID))

	_, err = f.manager.Unlock(ctx, wc.ID)
	assert.ErrorIs(t, err, types.ErrWorkingCopyNotActive)
	_, err = f.manager.Lock(ctx, wc.ID)
	assert.ErrorIs(t, err, types.ErrWorkingCopyNotActive)
	assert.ErrorIs(t, f.manager.WriteFile(ctx, wc.ID, "a.fc", []byte("x")), types.ErrWorkingCopyNotActive)
	assert.Equal(t, 0, f.prov.LiveWorkingCopyCount("proj-1", "", "user-1"))
}

func TestDiscard_NotFound(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Discard(context.Background(), "missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
