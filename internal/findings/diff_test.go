package findings

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func run(id, revision string) types.AuditRun {
	return types.AuditRun{ID: id, ProjectID: "p", RevisionID: revision, Status: types.RunCompleted}
}

func finding(id, fp string, status types.FindingStatus) types.Finding {
	return types.Finding{ID: id, ProjectID: "p", StableFingerprint: fp, CurrentStatus: status, FirstSeenRevisionID: "r0", CreatedAt: now.Add(-time.Hour)}
}

func byFP(d Diff) map[string]types.Finding {
	out := make(map[string]types.Finding)
	for _, f := range d.Findings {
		out[f.StableFingerprint] = f
	}
	return out
}

func TestCompute_FirstRunOpensWithoutTransitions(t *testing.T) {
	d := Compute(Input{
		Run:      run("a1", "r1"),
		Reported: []Reported{{Fingerprint: "F", Severity: types.SeverityHigh}, {Fingerprint: "G", Severity: types.SeverityLow}},
		Now:      now,
	})
	require.Len(t, d.Findings, 2)
	for _, f := range d.Findings {
		assert.Equal(t, types.FindingOpened, f.CurrentStatus)
		assert.Equal(t, "r1", f.FirstSeenRevisionID)
		assert.Equal(t, "r1", f.LastSeenRevisionID)
		assert.NotEmpty(t, f.ID)
	}
	assert.Len(t, d.Instances, 2)
	assert.Empty(t, d.Transitions)
}

func TestCompute_Classification(t *testing.T) {
	existing := []types.Finding{
		finding("f-keep", "KEEP", types.FindingOpened),
		finding("f-gone", "GONE", types.FindingOpened),
		func() types.Finding {
			f := finding("f-back", "BACK", types.FindingResolved)
			f.LastResolvedRunID = "a0"
			return f
		}(),
		finding("f-stale", "STALE", types.FindingResolved),
	}
	d := Compute(Input{
		Run:           run("a2", "r2"),
		PreviousRunID: "a1",
		Reported: []Reported{
			{Fingerprint: "KEEP", Severity: types.SeverityMedium},
			{Fingerprint: "BACK", Severity: types.SeverityCritical},
			{Fingerprint: "NEW", Severity: types.SeverityInfo},
		},
		Existing:           existing,
		PreviousFindingIDs: map[string]bool{"f-keep": true, "f-gone": true},
		Now:                now,
	})

	got := byFP(d)
	require.Len(t, got, 4, "STALE is absent in both runs and untouched")
	assert.Equal(t, types.FindingUnchanged, got["KEEP"].CurrentStatus)
	assert.Equal(t, types.FindingResolved, got["GONE"].CurrentStatus)
	assert.Equal(t, "a2", got["GONE"].LastResolvedRunID)
	assert.Equal(t, types.FindingRegressed, got["BACK"].CurrentStatus)
	assert.Equal(t, types.SeverityCritical, got["BACK"].Severity)
	assert.Equal(t, types.FindingOpened, got["NEW"].CurrentStatus)
	assert.Equal(t, "r2", got["NEW"].FirstSeenRevisionID)
	assert.Equal(t, "r0", got["KEEP"].FirstSeenRevisionID, "first seen is preserved")
	assert.Equal(t, "r2", got["KEEP"].LastSeenRevisionID)

	kinds := map[string]types.FindingStatus{}
	for _, tr := range d.Transitions {
		assert.Equal(t, "a1", tr.FromAuditRunID)
		assert.Equal(t, "a2", tr.ToAuditRunID)
		kinds[tr.FindingID] = tr.Transition
	}
	assert.Equal(t, types.FindingUnchanged, kinds["f-keep"])
	assert.Equal(t, types.FindingResolved, kinds["f-gone"])
	assert.Equal(t, types.FindingRegressed, kinds["f-back"])
	assert.Equal(t, types.FindingOpened, kinds[got["NEW"].ID])
	assert.Len(t, d.Transitions, 4)

	assert.Len(t, d.Instances, 3, "instances only for reported findings")
	assert.Equal(t, map[types.FindingStatus]int{
		types.FindingUnchanged: 1, types.FindingResolved: 1, types.FindingRegressed: 1, types.FindingOpened: 1,
	}, d.Counts())
}

func TestCompute_UnchangedTwiceWritesOneTransition(t *testing.T) {
	d := Compute(Input{
		Run:                run("a3", "r3"),
		PreviousRunID:      "a2",
		Reported:           []Reported{{Fingerprint: "KEEP", Severity: types.SeverityLow}},
		Existing:           []types.Finding{finding("f-keep", "KEEP", types.FindingUnchanged)},
		PreviousFindingIDs: map[string]bool{"f-keep": true},
		Now:                now,
	})
	assert.Empty(t, d.Transitions)
	require.Len(t, d.Findings, 1)
	assert.Equal(t, types.FindingUnchanged, d.Findings[0].CurrentStatus)
}

func TestCompute_DuplicateFingerprintFirstWins(t *testing.T) {
	d := Compute(Input{
		Run: run("a1", "r1"),
		Reported: []Reported{
			{Fingerprint: "F", Severity: types.SeverityHigh, Payload: []byte(`{"line":1}`)},
			{Fingerprint: "F", Severity: types.SeverityLow, Payload: []byte(`{"line":2}`)},
		},
		Now: now,
	})
	require.Len(t, d.Findings, 1)
	require.Len(t, d.Instances, 1)
	assert.Equal(t, types.SeverityHigh, d.Instances[0].Severity)
	assert.JSONEq(t, `{"line":1}`, string(d.Instances[0].Payload))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]Reported{{Fingerprint: "F", Severity: types.SeverityInfo}}))
	assert.ErrorIs(t, Validate([]Reported{{Severity: types.SeverityInfo}}), types.ErrInvalidInput)
	assert.ErrorIs(t, Validate([]Reported{{Fingerprint: "F", Severity: "urgent"}}), types.ErrInvalidInput)

	longest := strings.Repeat("f", MaxFingerprintLength)
	assert.NoError(t, Validate([]Reported{{Fingerprint: longest, Severity: types.SeverityLow}}))
	assert.ErrorIs(t, Validate([]Reported{{Fingerprint: longest + "f", Severity: types.SeverityLow}}), types.ErrInvalidInput)
}

func TestReplayStatus(t *testing.T) {
	assert.Equal(t, types.FindingOpened, ReplayStatus(nil))
	assert.Equal(t, types.FindingRegressed, ReplayStatus([]types.FindingTransition{
		{Transition: types.FindingResolved},
		{Transition: types.FindingRegressed},
	}))
}
