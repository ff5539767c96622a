package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// TestJobEvents verifies append and newest-first listing with limit.
func TestJobEvents(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	projectID := "ct-jobs-" + ident.New()

	kinds := []types.JobEventKind{types.JobQueued, types.JobStarted, types.JobCompleted}
	for i, kind := range kinds {
		require.NoError(t, prov.AppendJobEvent(ctx, types.JobEvent{
			ID:        ident.New(),
			ProjectID: projectID,
			QueueName: "audit",
			JobID:     fmt.Sprintf("audit:run-%d", i),
			Event:     kind,
			Payload:   json.RawMessage(`{"n":1}`),
			CreatedAt: time.Now().UTC(),
		}))
	}

	events, err := prov.ListJobEvents(ctx, projectID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.JobCompleted, events[0].Event)
	assert.Equal(t, types.JobStarted, events[1].Event)
	assert.Equal(t, "audit", events[0].QueueName)

	all, err := prov.ListJobEvents(ctx, projectID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
