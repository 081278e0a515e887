package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/models"
)

const (
	metaPrefix      = "meta/"
	deleteBatchSize = 1000

	// in-memory engines are for tests and dev; keep their arenas small
	inMemoryTableSize = 32 << 20
)

// BadgerInMemoryMaxValue is the largest chunk an in-memory BadgerEngine
// accepts. Larger values would go to a value log, which in-memory mode lacks.
const BadgerInMemoryMaxValue = 1<<20 - 1

// ErrValueTooLarge is returned by PutChunk for chunks above MaxValueSize.
var ErrValueTooLarge = errors.New("chunk exceeds engine value limit")

// BadgerOptions configures an embedded BadgerEngine.
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerEngine is an embedded Engine keeping chunks and metadata in one BadgerDB.
type BadgerEngine struct {
	db       *badger.DB
	maxValue int
	closed   atomic.Bool
}

// NewBadgerEngine opens (or creates) a BadgerDB per opts.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	var bopts badger.Options
	maxValue := 0
	if opts.InMemory {
		bopts = badger.DefaultOptions("").
			WithInMemory(true).
			WithMemTableSize(inMemoryTableSize).
			WithValueThreshold(BadgerInMemoryMaxValue + 1)
		maxValue = BadgerInMemoryMaxValue
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("badger path cannot be empty")
		}
		if err := os.MkdirAll(opts.Path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerEngine{db: db, maxValue: maxValue}, nil
}

// MaxValueSize returns the largest chunk PutChunk accepts, zero meaning no
// engine-imposed limit.
func (b *BadgerEngine) MaxValueSize() int {
	return b.maxValue
}

// NewID mints a new blob id.
func (b *BadgerEngine) NewID() string {
	return NewID()
}

// PutChunk stores one chunk in its own transaction.
func (b *BadgerEngine) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ctx, span := tracer.Start(ctx, "badger.put_chunk",
		trace.WithAttributes(
			attribute.String("blob_id", blobID),
			attribute.Int("sequence", seq),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	if b.maxValue > 0 && len(data) > b.maxValue {
		span.RecordError(ErrValueTooLarge)
		return fmt.Errorf("badger put chunk %d (%d bytes, limit %d): %w", seq, len(data), b.maxValue, ErrValueTooLarge)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(ChunkKey(blobID, seq)), data)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("badger put chunk: %w", err)
	}
	return nil
}

// GetChunk returns a copy of one chunk.
func (b *BadgerEngine) GetChunk(ctx context.Context, blobID string, seq int) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ctx, span := tracer.Start(ctx, "badger.get_chunk",
		trace.WithAttributes(
			attribute.String("blob_id", blobID),
			attribute.Int("sequence", seq),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(ChunkKey(blobID, seq)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("badger get chunk: %w", err)
	}
	return data, nil
}

// DeleteChunks removes all chunks of blobID in batches.
func (b *BadgerEngine) DeleteChunks(ctx context.Context, blobID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ctx, span := tracer.Start(ctx, "badger.delete_chunks",
		trace.WithAttributes(attribute.String("blob_id", blobID)),
	)
	defer span.End()

	prefix := []byte(chunkDir(blobID))
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		keys, err := b.scanKeys(prefix, deleteBatchSize)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("badger delete chunks: %w", err)
		}
		if len(keys) == 0 {
			break
		}

		err = b.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("badger delete chunks: %w", err)
		}
		deleted += len(keys)
	}

	span.SetAttributes(attribute.Int("chunks_deleted", deleted))
	return nil
}

func (b *BadgerEngine) scanKeys(prefix []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
			if len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

// WalkBlobIDs visits every blob id owning chunks. Ids are collected before fn
// runs so fn may freely modify the database.
func (b *BadgerEngine) WalkBlobIDs(ctx context.Context, fn func(blobID string) error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	var ids []string
	prefix := []byte(chunkPrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		for it.ValidForPrefix(prefix) {
			blobID, _, ok := parseChunkKey(string(it.Item().Key()))
			if !ok {
				it.Next()
				continue
			}
			ids = append(ids, blobID)
			// skip the remaining chunks of this blob
			it.Seek([]byte(chunkDir(blobID) + "\xff"))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger walk: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// InsertMetadata commits a metadata record. It fails with ErrExists if the id is taken.
func (b *BadgerEngine) InsertMetadata(ctx context.Context, meta *models.BlobMetadata) error {
	if b.closed.Load() {
		return ErrClosed
	}
	_, span := tracer.Start(ctx, "badger.insert_metadata",
		trace.WithAttributes(
			attribute.String("blob_id", meta.ID),
			attribute.Int64("length", meta.Length),
		),
	)
	defer span.End()

	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	key := []byte(metaPrefix + meta.ID)
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if errors.Is(err, ErrExists) {
		return ErrExists
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("badger insert metadata: %w", err)
	}
	return nil
}

// GetMetadata loads one metadata record.
func (b *BadgerEngine) GetMetadata(ctx context.Context, id string) (*models.BlobMetadata, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	_, span := tracer.Start(ctx, "badger.get_metadata",
		trace.WithAttributes(attribute.String("blob_id", id)),
	)
	defer span.End()

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("badger get metadata: %w", err)
	}

	var meta models.BlobMetadata
	if err := json.Unmarshal(value, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return &meta, nil
}

// DeleteMetadata removes a metadata record, reporting whether it existed.
func (b *BadgerEngine) DeleteMetadata(ctx context.Context, id string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	_, span := tracer.Start(ctx, "badger.delete_metadata",
		trace.WithAttributes(attribute.String("blob_id", id)),
	)
	defer span.End()

	key := []byte(metaPrefix + id)
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("badger delete metadata: %w", err)
	}
	return existed, nil
}

// Close closes the database. Closing twice is a no-op.
func (b *BadgerEngine) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
