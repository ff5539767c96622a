package providertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

func newBlob(sha string) types.FileBlob {
	return types.FileBlob{
		ID:         ident.New(),
		SHA256:     sha,
		Size:       42,
		StorageKey: "blobs/" + sha,
		CreatedAt:  time.Now().UTC(),
	}
}

// TestBlobInsertIfAbsent verifies that a second insert for the same sha256
// returns the first row.
func TestBlobInsertIfAbsent(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	sha := fmt.Sprintf("ct-sha-%s", ident.New())

	first := newBlob(sha)
	got, created, err := prov.InsertBlobIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	second := newBlob(sha)
	got, created, err = prov.InsertBlobIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	byHash, err := prov.GetBlobBySHA(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byHash.ID)
	assert.Equal(t, int64(42), byHash.Size)
	assert.Equal(t, "blobs/"+sha, byHash.StorageKey)

	_, err = prov.GetBlobBySHA(ctx, "ct-sha-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestBlobConcurrentInsert verifies concurrent identical inserts converge on one row.
func TestBlobConcurrentInsert(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	sha := fmt.Sprintf("ct-sha-race-%s", ident.New())

	var created atomic.Int32
	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, ok, err := prov.InsertBlobIfAbsent(ctx, newBlob(sha))
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

	assert.Equal(t, int32(1), created.Load(), "exactly one insert should create the row")
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}
