package blobstore

import (
	"context"
	"errors"
	"io"
	"maps"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/maneesh/voicevault/internal/chunker"
	"github.com/maneesh/voicevault/internal/models"
	"github.com/maneesh/voicevault/internal/storage"
)

var tracer = otel.Tracer("voicevault-blobstore")

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 255 * 1024

// cleanupTimeout bounds the best-effort removal of chunks left by a failed upload.
const cleanupTimeout = 30 * time.Second

// Store is the handle every blob operation goes through. It is safe for
// concurrent use; operations on distinct ids share the engine without locks.
type Store struct {
	engine  storage.Engine
	catalog *Catalog
	chunker *chunker.Chunker
	now     func() time.Time
	workers int
}

// Option configures a Store.
type Option func(*Store)

// WithChunkSize sets the size every chunk but the last is cut to.
func WithChunkSize(size int64) Option {
	return func(s *Store) {
		if size > 0 {
			s.chunker = chunker.NewChunker(size)
		}
	}
}

// WithClock replaces the time source used for metadata and sweep ages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepWorkers bounds how many orphans Sweep inspects concurrently.
func WithSweepWorkers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.workers = n
		}
	}
}

// Initialize binds a Store to an open engine. A nil engine, including a
// nil pointer of a concrete engine type, fails with ErrNotInitialized.
func Initialize(engine storage.Engine, opts ...Option) (*Store, error) {
	if isNilEngine(engine) {
		return nil, ErrNotInitialized
	}
	s := &Store{
		engine:  engine,
		catalog: NewCatalog(engine),
		chunker: chunker.NewChunker(DefaultChunkSize),
		now:     time.Now,
		workers: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func isNilEngine(engine storage.Engine) bool {
	if engine == nil {
		return true
	}
	v := reflect.ValueOf(engine)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (s *Store) ready() error {
	if s == nil || s.engine == nil {
		return ErrNotInitialized
	}
	return nil
}

// ChunkSize returns the configured chunk size.
func (s *Store) ChunkSize() int64 {
	if s == nil || s.chunker == nil {
		return 0
	}
	return s.chunker.ChunkSize()
}

// Store consumes r to end of stream and commits it as a new blob. Chunk n is
// written before chunk n+1 is read. Metadata is inserted only after every
// chunk was written, so a failed attempt never becomes visible.
func (s *Store) Store(ctx context.Context, r io.Reader, filename, contentType string, tags map[string]string) (*models.BlobMetadata, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	id := s.engine.NewID()
	ctx, span := tracer.Start(ctx, "blobstore.Store")
	defer span.End()
	span.SetAttributes(
		attribute.String("blob.id", id),
		attribute.String("blob.filename", filename),
		attribute.String("blob.content_type", contentType),
	)

	summary, err := s.chunker.Split(ctx, r, func(chunk *models.ChunkData) error {
		if err := s.engine.PutChunk(ctx, id, chunk.Sequence, chunk.Data); err != nil {
			return opError("store", id, chunk.Sequence, ErrWriteFailure, err)
		}
		return nil
	})
	if err != nil {
		s.discard(ctx, id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk write failed")

		var opErr *OpError
		if errors.As(err, &opErr) {
			return nil, opErr
		}
		seq := -1
		var srcErr *chunker.SourceError
		if errors.As(err, &srcErr) {
			seq = srcErr.Sequence
		}
		return nil, opError("store", id, seq, ErrWriteFailure, err)
	}

	meta := &models.BlobMetadata{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Length:      summary.Length,
		ChunkSize:   s.chunker.ChunkSize(),
		ChunkCount:  summary.Count,
		SHA256:      summary.SHA256,
		ChunkHashes: summary.Hashes,
		Tags:        maps.Clone(tags),
		CreatedAt:   s.now().UTC(),
	}
	if meta.ChunkHashes == nil {
		meta.ChunkHashes = []string{}
	}

	if err := s.catalog.Insert(ctx, meta); err != nil {
		s.discard(ctx, id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "metadata insert failed")
		return nil, opError("store", id, -1, ErrWriteFailure, err)
	}

	span.SetAttributes(
		attribute.Int64("blob.length", meta.Length),
		attribute.Int("blob.chunks", meta.ChunkCount),
	)
	return meta, nil
}

// discard removes chunks of an attempt that will never be committed. Errors
// are dropped; Sweep reclaims whatever is left.
func (s *Store) discard(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	_ = s.engine.DeleteChunks(ctx, id)
}

// Handle is a committed blob opened for reading. Chunk bytes are fetched on
// demand.
type Handle struct {
	Metadata *models.BlobMetadata
	chunks   storage.ChunkStore
}

// Retrieve resolves id to a Handle without reading any chunk.
func (s *Store) Retrieve(ctx context.Context, id string) (*Handle, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Handle{Metadata: meta, chunks: s.engine}, nil
}

// Stat returns the metadata of a committed blob.
func (s *Store) Stat(ctx context.Context, id string) (*models.BlobMetadata, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "blobstore.Stat")
	defer span.End()
	span.SetAttributes(attribute.String("blob.id", id))

	meta, err := s.catalog.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, opError("retrieve", id, -1, ErrNotFound, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "metadata lookup failed")
		return nil, opError("retrieve", id, -1, ErrReadFailure, err)
	}
	return meta, nil
}

// Chunk reads chunk seq of the blob.
func (h *Handle) Chunk(ctx context.Context, seq int) (*models.Chunk, error) {
	id := h.Metadata.ID
	if seq < 0 || seq >= h.Metadata.ChunkCount {
		return nil, opError("read", id, seq, ErrReadFailure, errors.New("sequence out of range"))
	}

	ctx, span := tracer.Start(ctx, "blobstore.Chunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("blob.id", id),
		attribute.Int("chunk.sequence", seq),
	)

	data, err := h.chunks.GetChunk(ctx, id, seq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk read failed")
		return nil, opError("read", id, seq, ErrReadFailure, err)
	}
	return &models.Chunk{BlobID: id, Sequence: seq, Data: data}, nil
}

// Reader returns the blob's bytes in order, one chunk in memory at a time.
// Every chunk is checked against its recorded hash; a mismatch fails with an
// error matching ErrIntegrityMismatch.
func (h *Handle) Reader(ctx context.Context) *chunker.Reader {
	return chunker.NewReader(h.Metadata.ChunkCount, h.Metadata.ChunkHashes, func(seq int) ([]byte, error) {
		chunk, err := h.Chunk(ctx, seq)
		if err != nil {
			return nil, err
		}
		return chunk.Data, nil
	})
}

// Delete removes a blob: metadata first, then chunks. It reports whether
// the blob existed. Chunks are removed even when metadata was already gone,
// so a retried Delete finishes an interrupted one.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "blobstore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("blob.id", id))

	if id == "" {
		return false, nil
	}

	existed, err := s.catalog.Remove(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "metadata delete failed")
		return false, opError("delete", id, -1, ErrDeleteFailure, err)
	}
	if err := s.engine.DeleteChunks(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk delete failed")
		return existed, opError("delete", id, -1, ErrDeleteFailure, err)
	}

	span.SetAttributes(attribute.Bool("blob.existed", existed))
	return existed, nil
}
