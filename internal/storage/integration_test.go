package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests talk to real services and only run when the corresponding
// environment variable points at one.

func TestMinioChunkStore(t *testing.T) {
	endpoint := os.Getenv("VOICEVAULT_TEST_MINIO")
	if endpoint == "" {
		t.Skip("VOICEVAULT_TEST_MINIO not set")
	}
	ctx := context.Background()

	store, err := NewMinioChunkStore(ctx, MinioOptions{
		Endpoint:   endpoint,
		AccessKey:  envOr("VOICEVAULT_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey:  envOr("VOICEVAULT_TEST_MINIO_SECRET_KEY", "minioadmin"),
		BucketName: "voicevault-test",
	})
	require.NoError(t, err)

	id := NewID()
	require.NoError(t, store.PutChunk(ctx, id, 0, []byte("hello ")))
	require.NoError(t, store.PutChunk(ctx, id, 1, []byte("minio")))

	got, err := store.GetChunk(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "minio", string(got))

	_, err = store.GetChunk(ctx, id, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	found := false
	require.NoError(t, store.WalkBlobIDs(ctx, func(blobID string) error {
		found = found || blobID == id
		return nil
	}))
	assert.True(t, found)

	require.NoError(t, store.DeleteChunks(ctx, id))
	_, err = store.GetChunk(ctx, id, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTiDBCatalog(t *testing.T) {
	dsn := os.Getenv("VOICEVAULT_TEST_TIDB_DSN")
	if dsn == "" {
		t.Skip("VOICEVAULT_TEST_TIDB_DSN not set")
	}
	ctx := context.Background()

	catalog, err := NewTiDBCatalog(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	meta := testMetadata(NewID())
	require.NoError(t, catalog.InsertMetadata(ctx, meta))
	assert.ErrorIs(t, catalog.InsertMetadata(ctx, meta), ErrExists)

	got, err := catalog.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ContentType, got.ContentType)
	assert.Equal(t, meta.ChunkHashes, got.ChunkHashes)
	assert.Equal(t, meta.Tags, got.Tags)

	existed, err := catalog.DeleteMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = catalog.DeleteMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = catalog.GetMetadata(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedCatalog(t *testing.T) {
	addr := os.Getenv("VOICEVAULT_TEST_REDIS")
	if addr == "" {
		t.Skip("VOICEVAULT_TEST_REDIS not set")
	}
	ctx := context.Background()

	backing := newTestBadger(t)
	cached, err := NewCachedCatalog(ctx, backing, RedisOptions{
		Addr:      addr,
		TTL:       time.Minute,
		KeyPrefix: "voicevault-test:" + NewID() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cached.Close() })

	meta := testMetadata(NewID())
	require.NoError(t, cached.InsertMetadata(ctx, meta))

	// first read fills the cache
	_, err = cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)

	// remove from the backing catalog only; the cache still answers
	_, err = backing.DeleteMetadata(ctx, meta.ID)
	require.NoError(t, err)
	got, err := cached.GetMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.Filename, got.Filename)

	// deleting through the cache invalidates it
	require.NoError(t, backing.InsertMetadata(ctx, meta))
	existed, err := cached.DeleteMetadata(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = cached.GetMetadata(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
