package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/voicevault/internal/models"
)

func newMiniCache(t *testing.T, next Catalog) (*CachedCatalog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cached, err := NewCachedCatalog(context.Background(), next, RedisOptions{
		Addr: mr.Addr(),
		TTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cached.Close() })
	return cached, mr
}

// racingCatalog runs afterGet once, between the backing read and the cache fill.
type racingCatalog struct {
	Catalog
	once     sync.Once
	afterGet func()
}

func (r *racingCatalog) GetMetadata(ctx context.Context, id string) (*models.BlobMetadata, error) {
	meta, err := r.Catalog.GetMetadata(ctx, id)
	r.once.Do(r.afterGet)
	return meta, err
}

func TestCachedCatalogServesFromCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backing := newTestBadger(t)
	cached, mr := newMiniCache(t, backing)

	meta := testMetadata(NewID())
	require.NoError(t, cached.InsertMetadata(ctx, meta))
	assert.False(t, mr.Exists(cached.key(meta.ID)))

	_, err := cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, mr.Exists(cached.key(meta.ID)))
	assert.Equal(t, time.Minute, mr.TTL(cached.key(meta.ID)))

	// gone from the backing catalog only; the cache still answers
	_, err = backing.DeleteMetadata(ctx, meta.ID)
	require.NoError(t, err)
	got, err := cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.Filename, got.Filename)
	assert.Equal(t, meta.ChunkHashes, got.ChunkHashes)
}

func TestCachedCatalogDeleteLeavesTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cached, mr := newMiniCache(t, newTestBadger(t))

	meta := testMetadata(NewID())
	require.NoError(t, cached.InsertMetadata(ctx, meta))
	_, err := cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)

	existed, err := cached.DeleteMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = cached.GetMetadata(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// the tombstone expires with the regular TTL
	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists(cached.key(meta.ID)))
	_, err = cached.GetMetadata(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedCatalogLookupRacingDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backing := newTestBadger(t)
	racing := &racingCatalog{Catalog: backing}
	cached, _ := newMiniCache(t, racing)

	meta := testMetadata(NewID())
	require.NoError(t, cached.InsertMetadata(ctx, meta))

	var existed bool
	racing.afterGet = func() {
		var err error
		existed, err = cached.DeleteMetadata(ctx, meta.ID)
		require.NoError(t, err)
	}

	// the in-flight lookup read the record before the delete landed
	got, err := cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)
	assert.True(t, existed)

	_, err = cached.GetMetadata(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedCatalogDegradesWithoutRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backing := newTestBadger(t)
	cached, mr := newMiniCache(t, backing)

	meta := testMetadata(NewID())
	require.NoError(t, cached.InsertMetadata(ctx, meta))
	mr.Close()

	got, err := cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)
}
