package providertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// TestVerificationSteps verifies put, get, list and CAS of verification steps.
func TestVerificationSteps(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	runID := "ct-steps-" + ident.New()

	build := types.VerificationStep{
		ID:         ident.New(),
		AuditRunID: runID,
		StepType:   "build",
		Toolchain:  "tolk",
		Status:     types.StepQueued,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
	}
	sim := build
	sim.ID = ident.New()
	sim.StepType = "simulate"
	sim.Toolchain = "sandbox"

	require.NoError(t, prov.PutVerificationStep(ctx, build))
	require.NoError(t, prov.PutVerificationStep(ctx, sim))

	got, err := prov.GetVerificationStep(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, "build", got.StepType)
	assert.Equal(t, types.StepQueued, got.Status)

	done := *got
	done.Status = types.StepCompleted
	done.Version = 2
	done.Summary = "ok"
	done.DurationMs = 1200
	done.StdoutKey = "logs/" + build.ID + "/stdout"
	ok, err := prov.CompareAndSwapVerificationStep(ctx, build.ID, 1, done)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = prov.CompareAndSwapVerificationStep(ctx, build.ID, 1, done)
	require.NoError(t, err)
	assert.False(t, ok)

	steps, err := prov.ListVerificationSteps(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, build.ID, steps[0].ID)
	assert.Equal(t, types.StepCompleted, steps[0].Status)
	assert.Equal(t, int64(1200), steps[0].DurationMs)
	assert.Equal(t, sim.ID, steps[1].ID)

	_, err = prov.GetVerificationStep(ctx, "ct-step-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
