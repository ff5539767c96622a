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

// TestPdfExports verifies (run, variant) uniqueness and CAS.
func TestPdfExports(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	runID := "ct-pdf-" + ident.New()
	now := time.Now().UTC()

	export := types.PdfExport{
		ID:         ident.New(),
		AuditRunID: runID,
		ProjectID:  "ct-pdf-project",
		Variant:    types.VariantClient,
		Status:     types.ExportQueued,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	got, created, err := prov.CreatePdfExport(ctx, export)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, export.ID, got.ID)

	dup := export
	dup.ID = ident.New()
	got, created, err = prov.CreatePdfExport(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, export.ID, got.ID)

	internal := export
	internal.ID = ident.New()
	internal.Variant = types.VariantInternal
	_, created, err = prov.CreatePdfExport(ctx, internal)
	require.NoError(t, err)
	assert.True(t, created)

	rendering := export
	rendering.Status = types.ExportRendering
	rendering.Version = 2
	ok, err := prov.CompareAndSwapPdfExport(ctx, 1, rendering)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = prov.CompareAndSwapPdfExport(ctx, 1, rendering)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = prov.GetPdfExport(ctx, runID, types.VariantClient)
	require.NoError(t, err)
	assert.Equal(t, types.ExportRendering, got.Status)

	_, err = prov.GetPdfExport(ctx, "ct-pdf-missing", types.VariantClient)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
