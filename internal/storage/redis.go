package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/models"
)

// DefaultCacheTTL is the time-to-live for cached blob metadata.
const DefaultCacheTTL = 5 * time.Minute

// tombstone marks a deleted id so an in-flight lookup cannot re-cache it.
const tombstone = "deleted"

// RedisOptions configures the metadata cache connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// CachedCatalog is a cache-aside Catalog: lookups hit Redis first and fall
// back to the wrapped catalog. Metadata never changes after insert, so the
// only invalidation needed is on delete. Delete leaves a tombstone for one
// TTL and fills use SETNX, so a lookup racing a delete cannot bring the
// deleted record back.
type CachedCatalog struct {
	next   Catalog
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedCatalog connects to Redis and wraps next.
func NewCachedCatalog(ctx context.Context, next Catalog, opts RedisOptions) (*CachedCatalog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "voicevault:blob:"
	}
	return &CachedCatalog{next: next, client: client, ttl: ttl, prefix: prefix}, nil
}

// Close closes the Redis connection
func (cc *CachedCatalog) Close() error {
	return cc.client.Close()
}

func (cc *CachedCatalog) key(id string) string {
	return cc.prefix + id
}

// InsertMetadata writes through to the wrapped catalog. The cache is filled lazily on read.
func (cc *CachedCatalog) InsertMetadata(ctx context.Context, meta *models.BlobMetadata) error {
	return cc.next.InsertMetadata(ctx, meta)
}

// GetMetadata retrieves metadata from cache, falling back to the catalog on a miss.
// Cache failures degrade to the catalog rather than failing the lookup.
func (cc *CachedCatalog) GetMetadata(ctx context.Context, id string) (*models.BlobMetadata, error) {
	meta, deleted, err := cc.getCached(ctx, id)
	if err == nil {
		if deleted {
			return nil, ErrNotFound
		}
		if meta != nil {
			return meta, nil
		}
	}

	meta, err = cc.next.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	// best effort: a failed cache fill only costs the next reader a catalog hit
	_ = cc.setCached(ctx, meta)
	return meta, nil
}

// DeleteMetadata deletes from the catalog, then replaces the cached copy
// with a tombstone.
func (cc *CachedCatalog) DeleteMetadata(ctx context.Context, id string) (bool, error) {
	existed, err := cc.next.DeleteMetadata(ctx, id)
	if err != nil {
		return false, err
	}
	if err := cc.bury(ctx, id); err != nil {
		return existed, err
	}
	return existed, nil
}

func (cc *CachedCatalog) getCached(ctx context.Context, id string) (meta *models.BlobMetadata, deleted bool, err error) {
	ctx, span := tracer.Start(ctx, "redis.get_metadata",
		trace.WithAttributes(
			attribute.String("blob_id", id),
		),
	)
	defer span.End()

	data, err := cc.client.Get(ctx, cc.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, false, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if string(data) == tombstone {
		span.SetAttributes(
			attribute.Bool("cache_hit", true),
			attribute.String("cache_status", "tombstone"),
		)
		return nil, true, nil
	}

	meta = new(models.BlobMetadata)
	if err := json.Unmarshal(data, meta); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return meta, false, nil
}

func (cc *CachedCatalog) setCached(ctx context.Context, meta *models.BlobMetadata) error {
	ctx, span := tracer.Start(ctx, "redis.set_metadata",
		trace.WithAttributes(
			attribute.String("blob_id", meta.ID),
		),
	)
	defer span.End()

	data, err := json.Marshal(meta)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// never overwrite a tombstone left by a concurrent delete
	stored, err := cc.client.SetNX(ctx, cc.key(meta.ID), data, cc.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("stored", stored),
		attribute.Int64("ttl_seconds", int64(cc.ttl.Seconds())),
	)
	return nil
}

func (cc *CachedCatalog) bury(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.tombstone_metadata",
		trace.WithAttributes(
			attribute.String("blob_id", id),
		),
	)
	defer span.End()

	if err := cc.client.Set(ctx, cc.key(id), tombstone, cc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
