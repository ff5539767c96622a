package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/auditlane/internal/auditrun"
	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/findings"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/testutil"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

type fixture struct {
	prov  *testutil.MockProvider
	queue *testutil.MemoryQueue
	opts  CheckOptions
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prov := testutil.NewMockProvider()
	queue := testutil.NewMemoryQueue()
	jobs, err := dispatch.New(queue, dispatch.DefaultQueueNames(), prov)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fixture{
		prov:  prov,
		queue: queue,
		now:   now,
		opts: CheckOptions{
			Provider:          prov,
			Runs:              auditrun.New(prov, jobs, findings.NewEngine(prov), nil),
			Jobs:              jobs,
			Now:               now,
			StuckRunThreshold: time.Hour,
			AbandonedCopyAge:  24 * time.Hour,
		},
	}
}

func (f *fixture) addRun(t *testing.T, projectID, runID string, status types.AuditRunStatus, updated time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.prov.CreateProject(ctx, types.Project{ID: projectID, Name: projectID, LifecycleState: types.ProjectReady, CreatedAt: updated}))
	require.NoError(t, f.prov.CreateAuditRun(ctx, types.AuditRun{
		ID: runID, ProjectID: projectID, RevisionID: "R-" + projectID, Status: status,
		Profile: types.ProfileFast, Version: 1, CreatedAt: updated, UpdatedAt: updated,
	}))
}

func collectAlerts() (func(types.Alert), func() []types.Alert) {
	var mu sync.Mutex
	var alerts []types.Alert
	return func(a types.Alert) {
			mu.Lock()
			alerts = append(alerts, a)
			mu.Unlock()
		}, func() []types.Alert {
			mu.Lock()
			defer mu.Unlock()
			return append([]types.Alert(nil), alerts...)
		}
}

func TestCheckStuckRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alertFn, alerts := collectAlerts()
	f.opts.AlertFn = alertFn

	f.addRun(t, "P-queued", "run-q", types.RunQueued, f.now.Add(-3*time.Hour))
	f.addRun(t, "P-running", "run-r", types.RunRunning, f.now.Add(-2*time.Hour))
	f.addRun(t, "P-fresh", "run-f", types.RunRunning, f.now.Add(-10*time.Minute))

	stuck := CheckStuckRuns(ctx, f.opts, []string{"P-queued", "P-running", "P-fresh", "P-empty"})
	require.Len(t, stuck, 2)
	assert.Equal(t, "run-q", stuck[0].AuditRunID)
	assert.Equal(t, "run-r", stuck[1].AuditRunID)

	q, err := f.prov.GetAuditRun(ctx, "run-q")
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, q.Status)

	r, err := f.prov.GetAuditRun(ctx, "run-r")
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, r.Status)
	assert.Contains(t, r.FailureReason, "stuck in running")

	fresh, err := f.prov.GetAuditRun(ctx, "run-f")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, fresh.Status)

	_, err = f.prov.GetActiveAuditRun(ctx, "P-running")
	assert.ErrorIs(t, err, provider.ErrNotFound, "terminating frees the active slot")

	got := alerts()
	require.Len(t, got, 2)
	assert.Equal(t, types.AlertLevelError, got[0].Level)
	assert.Equal(t, "P-queued", got[0].ProjectID)

	// A second pass finds nothing left to terminate.
	assert.Empty(t, CheckStuckRuns(ctx, f.opts, []string{"P-queued", "P-running"}))
}

func TestCheckAbandonedCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.now.Add(-48 * time.Hour)

	for _, wc := range []types.WorkingCopy{
		{ID: "wc-old", ProjectID: "P", BaseRevisionID: "R1", OwnerUserID: "u1", Status: types.WorkingCopyActive, Version: 1, CreatedAt: old, UpdatedAt: old},
		{ID: "wc-new", ProjectID: "P", BaseRevisionID: "R1", OwnerUserID: "u2", Status: types.WorkingCopyActive, Version: 1, CreatedAt: old, UpdatedAt: f.now.Add(-time.Hour)},
	} {
		_, created, err := f.prov.OpenWorkingCopy(ctx, wc, nil)
		require.NoError(t, err)
		require.True(t, created)
	}

	abandoned := CheckAbandonedCopies(ctx, f.opts, []string{"P"})
	require.Len(t, abandoned, 1)
	assert.Equal(t, "wc-old", abandoned[0].WorkingCopyID)
	assert.Equal(t, 48*time.Hour, abandoned[0].Idle)

	msgs := f.queue.MessagesFor("auditlane-cleanup")
	require.Len(t, msgs, 1)
	assert.Equal(t, dispatch.CleanupJobID("wc-old"), msgs[0].JobID)

	// Re-scanning re-enqueues under the same job id, which the broker drops.
	CheckAbandonedCopies(ctx, f.opts, []string{"P"})
	assert.Len(t, f.queue.MessagesFor("auditlane-cleanup"), 1)
}

func TestCheckAbandonedCopies_StaleLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.now.Add(-48 * time.Hour)

	for _, wc := range []types.WorkingCopy{
		{ID: "wc-dead-commit", ProjectID: "P", BaseRevisionID: "R1", OwnerUserID: "u1", Status: types.WorkingCopyLocked, Version: 2, CreatedAt: old, UpdatedAt: old},
		{ID: "wc-committing", ProjectID: "Q", BaseRevisionID: "R1", OwnerUserID: "u2", Status: types.WorkingCopyLocked, Version: 2, CreatedAt: old, UpdatedAt: f.now.Add(-time.Minute)},
	} {
		_, created, err := f.prov.OpenWorkingCopy(ctx, wc, nil)
		require.NoError(t, err)
		require.True(t, created)
	}

	abandoned := CheckAbandonedCopies(ctx, f.opts, []string{"P", "Q"})
	require.Len(t, abandoned, 1, "a recent lock is an in-flight commit")
	assert.Equal(t, "wc-dead-commit", abandoned[0].WorkingCopyID)

	msgs := f.queue.MessagesFor("auditlane-cleanup")
	require.Len(t, msgs, 1)
	assert.Equal(t, dispatch.CleanupJobID("wc-dead-commit"), msgs[0].JobID)
}

func TestCheckAbandonedCopies_BrokerDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.now.Add(-48 * time.Hour)
	_, _, err := f.prov.OpenWorkingCopy(ctx, types.WorkingCopy{
		ID: "wc-old", ProjectID: "P", OwnerUserID: "u1", Status: types.WorkingCopyActive, Version: 1, CreatedAt: old, UpdatedAt: old,
	}, nil)
	require.NoError(t, err)

	f.queue.SetError(errors.New("connection refused"))
	assert.Empty(t, CheckAbandonedCopies(ctx, f.opts, []string{"P"}))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "P", "run-r", types.RunRunning, f.now.Add(-5*time.Hour))

	report := Sweep(context.Background(), f.opts, []string{"P"})
	assert.Len(t, report.StuckRuns, 1)
	assert.Empty(t, report.AbandonedCopies)
}

func TestWatchdog_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	var mu sync.Mutex
	calls := 0
	source := func(context.Context) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return []string{"P"}, nil
	}

	w := New(f.opts, source, 10*time.Millisecond)
	w.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	w.Stop(context.Background())
}

func TestWatchdog_SourceError(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	done := make(chan struct{}, 1)
	w := New(f.opts, func(context.Context) ([]string, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil, errors.New("listing failed")
	}, time.Hour)
	w.Start(context.Background())
	<-done
	w.Stop(context.Background())
}
