package providertest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

func startRun(t *testing.T, prov provider.Provider, projectID, revisionID string) types.AuditRun {
	t.Helper()
	ctx := context.Background()
	run := newRun(projectID, revisionID)
	require.NoError(t, prov.CreateAuditRun(ctx, run))
	running := run
	running.Status = types.RunRunning
	running.Version = 2
	ok, err := prov.CompareAndSwapAuditRun(ctx, run.ID, 1, running)
	require.NoError(t, err)
	require.True(t, ok)
	return running
}

func completedCopy(run types.AuditRun, finishedAt time.Time) types.AuditRun {
	done := run
	done.Status = types.RunCompleted
	done.Version = run.Version + 1
	done.FinishedAt = &finishedAt
	done.ReportJSON = json.RawMessage(`{"findings":1}`)
	return done
}

// TestCompleteAuditRun verifies that completion writes the run, the finding
// rows and their history together and releases the active slot.
func TestCompleteAuditRun(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-complete")
	now := time.Now().UTC()

	first := startRun(t, prov, p.ID, "rev-1")
	finding := types.Finding{
		ID:                  ident.New(),
		ProjectID:           p.ID,
		StableFingerprint:   "fp-reentrancy",
		FirstSeenRevisionID: "rev-1",
		LastSeenRevisionID:  "rev-1",
		CurrentStatus:       types.FindingOpened,
		Severity:            types.SeverityHigh,
		LastAuditRunID:      first.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	ok, err := prov.CompleteAuditRun(ctx, provider.Completion{
		Run:             completedCopy(first, now),
		ExpectedVersion: first.Version,
		Findings:        []types.Finding{finding},
		Instances: []types.FindingInstance{{
			FindingID:  finding.ID,
			AuditRunID: first.ID,
			RevisionID: "rev-1",
			Severity:   types.SeverityHigh,
			Payload:    json.RawMessage(`{"title":"reentrancy"}`),
			CreatedAt:  now,
		}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := prov.GetAuditRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
	assert.JSONEq(t, `{"findings":1}`, string(got.ReportJSON))
	require.NotNil(t, got.FinishedAt)

	_, err = prov.GetActiveAuditRun(ctx, p.ID)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	latest, err := prov.LatestCompletedAuditRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	f, err := prov.GetFindingByFingerprint(ctx, p.ID, "fp-reentrancy")
	require.NoError(t, err)
	assert.Equal(t, finding.ID, f.ID)
	assert.Equal(t, types.FindingOpened, f.CurrentStatus)

	instances, err := prov.ListFindingInstances(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, types.SeverityHigh, instances[0].Severity)
	assert.JSONEq(t, `{"title":"reentrancy"}`, string(instances[0].Payload))

	// Second run resolves the finding.
	second := startRun(t, prov, p.ID, "rev-2")
	later := now.Add(time.Minute)
	resolved := finding
	resolved.CurrentStatus = types.FindingResolved
	resolved.LastAuditRunID = second.ID
	resolved.LastResolvedRunID = second.ID
	resolved.UpdatedAt = later
	ok, err = prov.CompleteAuditRun(ctx, provider.Completion{
		Run:             completedCopy(second, later),
		ExpectedVersion: second.Version,
		PreviousRunID:   first.ID,
		Findings:        []types.Finding{resolved},
		Transitions: []types.FindingTransition{{
			FindingID:      finding.ID,
			FromAuditRunID: first.ID,
			ToAuditRunID:   second.ID,
			Transition:     types.FindingResolved,
			CreatedAt:      later,
		}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	latest, err = prov.LatestCompletedAuditRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	findings, err := prov.ListFindings(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, types.FindingResolved, findings[0].CurrentStatus)
	assert.Equal(t, second.ID, findings[0].LastResolvedRunID)

	transitions, err := prov.ListFindingTransitions(ctx, finding.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, first.ID, transitions[0].FromAuditRunID)
	assert.Equal(t, second.ID, transitions[0].ToAuditRunID)
	assert.Equal(t, types.FindingResolved, transitions[0].Transition)

	_, err = prov.LatestCompletedAuditRun(ctx, "ct-complete-none")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestCompleteAuditRunStalePredecessor verifies a completion computed against
// an outdated predecessor is rejected without side effects.
func TestCompleteAuditRunStalePredecessor(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-complete-stale")
	now := time.Now().UTC()

	first := startRun(t, prov, p.ID, "rev-1")
	ok, err := prov.CompleteAuditRun(ctx, provider.Completion{
		Run:             completedCopy(first, now),
		ExpectedVersion: first.Version,
	})
	require.NoError(t, err)
	require.True(t, ok)

	second := startRun(t, prov, p.ID, "rev-2")
	ok, err = prov.CompleteAuditRun(ctx, provider.Completion{
		Run:             completedCopy(second, now.Add(time.Second)),
		ExpectedVersion: second.Version,
		PreviousRunID:   "",
	})
	assert.ErrorIs(t, err, provider.ErrStalePredecessor)
	assert.False(t, ok)

	got, err := prov.GetAuditRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status, "rejected completion leaves the run running")

	latest, err := prov.LatestCompletedAuditRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

// TestCompleteAuditRunVersionGuard verifies completion of an already-moved run
// reports false.
func TestCompleteAuditRunVersionGuard(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-complete-version")

	run := startRun(t, prov, p.ID, "rev-1")
	ok, err := prov.CompleteAuditRun(ctx, provider.Completion{
		Run:             completedCopy(run, time.Now().UTC()),
		ExpectedVersion: run.Version - 1,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := prov.GetAuditRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
}
