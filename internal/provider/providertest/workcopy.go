package providertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

func seedFile(wcID, path, content string) types.WorkingCopyFile {
	return types.WorkingCopyFile{
		WorkingCopyID: wcID,
		Path:          path,
		Content:       []byte(content),
		Language:      types.LanguageFunC,
		UpdatedAt:     time.Now().UTC(),
	}
}

// TestWorkingCopyOpenIdempotent verifies a second open of the same triple
// returns the first copy, including while it is locked.
func TestWorkingCopyOpenIdempotent(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-wc-open")

	first := newWorkingCopy(p.ID, "rev-1", "user-1")
	got, created, err := prov.OpenWorkingCopy(ctx, first, []types.WorkingCopyFile{seedFile(first.ID, "a.fc", "x")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	again, created, err := prov.OpenWorkingCopy(ctx, newWorkingCopy(p.ID, "rev-1", "user-1"), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	// Different owner gets its own copy.
	other, created, err := prov.OpenWorkingCopy(ctx, newWorkingCopy(p.ID, "rev-1", "user-2"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	locked := *got
	locked.Status = types.WorkingCopyLocked
	locked.Version = got.Version + 1
	ok, err := prov.CompareAndSwapWorkingCopy(ctx, got.ID, got.Version, locked)
	require.NoError(t, err)
	require.True(t, ok)

	again, created, err = prov.OpenWorkingCopy(ctx, newWorkingCopy(p.ID, "rev-1", "user-1"), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, types.WorkingCopyLocked, again.Status)

	list, err := prov.ListWorkingCopies(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// TestWorkingCopyConcurrentOpen verifies concurrent opens of one triple all
// observe the same working copy and exactly one is created.
func TestWorkingCopyConcurrentOpen(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-wc-race")

	var created atomic.Int32
	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wc := newWorkingCopy(p.ID, "rev-1", "user-1")
			got, ok, err := prov.OpenWorkingCopy(ctx, wc, []types.WorkingCopyFile{seedFile(wc.ID, "main.fc", "seed")})
			if err != nil {
				return
			}
			if ok {
				created.Add(1)
			}
			ids[i] = got.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	list, err := prov.ListWorkingCopies(ctx, p.ID)
	require.NoError(t, err)
	live := 0
	for _, wc := range list {
		if wc.Status == types.WorkingCopyActive {
			live++
		}
	}
	assert.Equal(t, 1, live)

	files, err := prov.ListWorkingCopyFiles(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "seed", string(files[0].Content))
}

// TestWorkingCopyFiles verifies file writes, deletes and the active-only guard.
func TestWorkingCopyFiles(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-wc-files")

	wc := newWorkingCopy(p.ID, "", "user-1")
	got, _, err := prov.OpenWorkingCopy(ctx, wc, []types.WorkingCopyFile{
		seedFile(wc.ID, "b.fc", "b"),
		seedFile(wc.ID, "a.fc", "a"),
	})
	require.NoError(t, err)

	require.NoError(t, prov.PutWorkingCopyFile(ctx, seedFile(wc.ID, "a.fc", "a2")))
	require.NoError(t, prov.PutWorkingCopyFile(ctx, seedFile(wc.ID, "c.fc", "c")))
	require.NoError(t, prov.DeleteWorkingCopyFile(ctx, wc.ID, "b.fc"))

	files, err := prov.ListWorkingCopyFiles(ctx, wc.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.fc", files[0].Path)
	assert.Equal(t, "a2", string(files[0].Content))
	assert.Equal(t, "c.fc", files[1].Path)

	locked := *got
	locked.Status = types.WorkingCopyLocked
	locked.Version = got.Version + 1
	ok, err := prov.CompareAndSwapWorkingCopy(ctx, wc.ID, got.Version, locked)
	require.NoError(t, err)
	require.True(t, ok)

	err = prov.PutWorkingCopyFile(ctx, seedFile(wc.ID, "d.fc", "d"))
	assert.ErrorIs(t, err, types.ErrWorkingCopyNotActive)
	err = prov.DeleteWorkingCopyFile(ctx, wc.ID, "a.fc")
	assert.ErrorIs(t, err, types.ErrWorkingCopyNotActive)

	files, err = prov.ListWorkingCopyFiles(ctx, wc.ID)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = prov.GetWorkingCopy(ctx, "ct-wc-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestWorkingCopyDiscardReleasesSlot verifies a discarded copy frees its triple
// and that stale CAS versions are rejected.
func TestWorkingCopyDiscardReleasesSlot(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-wc-discard")

	first, _, err := prov.OpenWorkingCopy(ctx, newWorkingCopy(p.ID, "rev-1", "user-1"), nil)
	require.NoError(t, err)

	discarded := *first
	discarded.Status = types.WorkingCopyDiscarded
	discarded.Version = first.Version + 1
	ok, err := prov.CompareAndSwapWorkingCopy(ctx, first.ID, first.Version+3, discarded)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not apply")

	ok, err = prov.CompareAndSwapWorkingCopy(ctx, first.ID, first.Version, discarded)
	require.NoError(t, err)
	assert.True(t, ok)

	second, created, err := prov.OpenWorkingCopy(ctx, newWorkingCopy(p.ID, "rev-1", "user-1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}
