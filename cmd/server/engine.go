package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/maneesh/voicevault/internal/config"
	"github.com/maneesh/voicevault/internal/storage"
)

// openEngine connects the backing engine selected by cfg.
func openEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Engine, error) {
	if cfg.StoreEngine == config.EngineBadger {
		logger.Info().Str("path", cfg.BadgerPath).Bool("in_memory", cfg.BadgerInMemory).Msg("opening badger engine")
		engine, err := storage.NewBadgerEngine(storage.BadgerOptions{
			Path:     cfg.BadgerPath,
			InMemory: cfg.BadgerInMemory,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger engine: %w", err)
		}
		return engine, nil
	}

	var closers []io.Closer
	fail := func(err error) (storage.Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	chunks, err := openChunkStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	logger.Info().Str("host", cfg.TiDBHost).Msg("connecting to TiDB")
	tidb, err := storage.NewTiDBCatalog(ctx, cfg.GetDSN())
	if err != nil {
		return fail(fmt.Errorf("failed to initialize TiDB catalog: %w", err))
	}
	closers = append(closers, tidb)

	var catalog storage.Catalog = tidb
	if cfg.CacheEnabled {
		logger.Info().Str("addr", cfg.GetRedisAddr()).Msg("connecting to Redis")
		cached, err := storage.NewCachedCatalog(ctx, tidb, storage.RedisOptions{
			Addr:     cfg.GetRedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to initialize Redis cache: %w", err))
		}
		closers = append(closers, cached)
		catalog = cached
	}

	return storage.NewClusterEngine(chunks, catalog, closers...), nil
}

func openChunkStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.ChunkStore, error) {
	switch cfg.ChunkBackend {
	case config.BackendS3:
		logger.Info().Str("bucket", cfg.S3Bucket).Str("endpoint", cfg.S3Endpoint).Msg("connecting to S3")
		store, err := storage.NewS3ChunkStore(ctx, storage.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 chunk store: %w", err)
		}
		return store, nil
	default:
		logger.Info().Str("endpoint", cfg.MinIOEndpoint).Str("bucket", cfg.MinIOBucketName).Msg("connecting to MinIO")
		store, err := storage.NewMinioChunkStore(ctx, storage.MinioOptions{
			Endpoint:   cfg.MinIOEndpoint,
			AccessKey:  cfg.MinIOAccessKey,
			SecretKey:  cfg.MinIOSecretKey,
			BucketName: cfg.MinIOBucketName,
			UseSSL:     cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MinIO chunk store: %w", err)
		}
		return store, nil
	}
}
