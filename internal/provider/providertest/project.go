package providertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// TestProjectCRUD verifies create, get, duplicate create, update and not-found.
func TestProjectCRUD(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	p := newProject("ct-project")
	p.LifecycleState = types.ProjectInitializing

	require.NoError(t, prov.CreateProject(ctx, p))

	got, err := prov.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, types.ProjectInitializing, got.LifecycleState)
	assert.False(t, got.IsDeleted())

	err = prov.CreateProject(ctx, p)
	assert.ErrorIs(t, err, types.ErrConflict)

	deletedAt := time.Now().UTC()
	got.LifecycleState = types.ProjectDeleted
	got.DeletedAt = &deletedAt
	require.NoError(t, prov.UpdateProject(ctx, *got))

	got, err = prov.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	require.NotNil(t, got.DeletedAt)

	_, err = prov.GetProject(ctx, "ct-project-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
