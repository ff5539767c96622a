package providertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// TestAuditRunCreateConflict verifies a second active run for a project is
// rejected with the id of the run holding the slot.
func TestAuditRunCreateConflict(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-run-conflict")

	first := newRun(p.ID, "rev-1")
	require.NoError(t, prov.CreateAuditRun(ctx, first))

	second := newRun(p.ID, "rev-2")
	err := prov.CreateAuditRun(ctx, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConflictingActiveRun)
	var ce *types.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.ID, ce.ExistingID)

	_, err = prov.GetAuditRun(ctx, second.ID)
	assert.ErrorIs(t, err, provider.ErrNotFound, "no row created on conflict")

	active, err := prov.GetActiveAuditRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	// Other projects are unaffected.
	other := newProject("ct-run-conflict-other")
	require.NoError(t, prov.CreateAuditRun(ctx, newRun(other.ID, "rev-1")))
}

// TestAuditRunCompareAndSwap verifies version guarding and that a terminal
// status releases the active slot.
func TestAuditRunCompareAndSwap(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-run-cas")

	run := newRun(p.ID, "rev-1")
	require.NoError(t, prov.CreateAuditRun(ctx, run))

	running := run
	running.Status = types.RunRunning
	running.Version = 2
	started := time.Now().UTC()
	running.StartedAt = &started
	ok, err := prov.CompareAndSwapAuditRun(ctx, run.ID, 1, running)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := running
	stale.Status = types.RunFailed
	stale.Version = 3
	ok, err = prov.CompareAndSwapAuditRun(ctx, run.ID, 1, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := prov.GetAuditRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.StartedAt)

	// Still active while running.
	err = prov.CreateAuditRun(ctx, newRun(p.ID, "rev-2"))
	assert.ErrorIs(t, err, types.ErrConflictingActiveRun)

	cancelled := running
	cancelled.Status = types.RunCancelled
	cancelled.Version = 3
	ok, err = prov.CompareAndSwapAuditRun(ctx, run.ID, 2, cancelled)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = prov.GetActiveAuditRun(ctx, p.ID)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	require.NoError(t, prov.CreateAuditRun(ctx, newRun(p.ID, "rev-2")), "slot released after cancel")

	ok, err = prov.CompareAndSwapAuditRun(ctx, "ct-run-missing", 1, cancelled)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestAuditRunActiveRace verifies exactly one of many concurrent creates wins.
func TestAuditRunActiveRace(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-run-race")

	var winners, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := prov.CreateAuditRun(ctx, newRun(p.ID, "rev-1"))
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, types.ErrConflictingActiveRun):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly 1 goroutine should create the run")
	assert.Equal(t, int32(9), conflicts.Load())

	runs, err := prov.ListAuditRuns(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// TestAuditRunList verifies newest-first listing with limit.
func TestAuditRunList(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-run-list")

	var ids []string
	for i := 0; i < 4; i++ {
		run := newRun(p.ID, "rev-1")
		run.Status = types.RunCancelled
		require.NoError(t, prov.CreateAuditRun(ctx, run))
		ids = append(ids, run.ID)
	}

	runs, err := prov.ListAuditRuns(ctx, p.ID, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[3], runs[0].ID)
	assert.Equal(t, ids[2], runs[1].ID)
	assert.Equal(t, ids[1], runs[2].ID)

	_, err = prov.GetActiveAuditRun(ctx, p.ID)
	assert.ErrorIs(t, err, provider.ErrNotFound, "terminal runs never hold the slot")
}
