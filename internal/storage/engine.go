// Package storage provides the backing engines for chunked blob storage:
// chunk stores holding blob bytes and catalogs holding blob metadata.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/maneesh/voicevault/internal/models"
)

var tracer = otel.Tracer("voicevault-storage")

var (
	// ErrNotFound indicates the requested metadata record or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists indicates a metadata record with the same id was already inserted.
	ErrExists = errors.New("already exists")

	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("engine closed")
)

// ChunkStore holds the raw chunk bytes of blobs, addressed by (blobID, seq).
// Implementations must be safe for concurrent use.
type ChunkStore interface {
	// PutChunk stores one chunk. data is only valid for the duration of the call.
	PutChunk(ctx context.Context, blobID string, seq int, data []byte) error
	// GetChunk returns the bytes of one chunk, or ErrNotFound.
	GetChunk(ctx context.Context, blobID string, seq int) ([]byte, error)
	// DeleteChunks removes every chunk of blobID. Deleting nothing is not an error.
	DeleteChunks(ctx context.Context, blobID string) error
	// WalkBlobIDs calls fn once for every blob id that owns at least one chunk.
	WalkBlobIDs(ctx context.Context, fn func(blobID string) error) error
}

// Catalog holds blob metadata records. Records are inserted once and never updated.
type Catalog interface {
	InsertMetadata(ctx context.Context, meta *models.BlobMetadata) error
	GetMetadata(ctx context.Context, id string) (*models.BlobMetadata, error)
	// DeleteMetadata reports whether a record existed.
	DeleteMetadata(ctx context.Context, id string) (bool, error)
}

// Engine is a backing persistence engine: one connection/session shared by
// every store operation.
type Engine interface {
	ChunkStore
	Catalog
	// NewID mints a fresh, never reused blob identifier.
	NewID() string
	Close() error
}

// NewID returns a time-ordered opaque identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IDTime returns the mint time embedded in an id produced by NewID.
// ok is false for ids that carry no timestamp.
func IDTime(id string) (t time.Time, ok bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

const chunkPrefix = "chunks/"

// ChunkKey returns the object key of a chunk: chunks/<blobID>/<seq>.
func ChunkKey(blobID string, seq int) string {
	return fmt.Sprintf("%s%s/%08d", chunkPrefix, blobID, seq)
}

func chunkDir(blobID string) string {
	return chunkPrefix + blobID + "/"
}

// parseChunkKey splits a key produced by ChunkKey.
func parseChunkKey(key string) (blobID string, seq int, ok bool) {
	rest, found := strings.CutPrefix(key, chunkPrefix)
	if !found {
		return "", 0, false
	}
	blobID, seqStr, found := strings.Cut(rest, "/")
	if !found || blobID == "" {
		return "", 0, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return "", 0, false
	}
	return blobID, seq, true
}
