package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/maneesh/voicevault/internal/chunker"
	"github.com/maneesh/voicevault/internal/models"
	"github.com/maneesh/voicevault/internal/storage"
)

// Catalog is the keyed lookup over committed blob metadata. Records are
// inserted once and never updated.
type Catalog struct {
	backend storage.Catalog
}

// NewCatalog wraps an engine catalog.
func NewCatalog(backend storage.Catalog) *Catalog {
	return &Catalog{backend: backend}
}

// Insert commits meta. Inserting an id twice fails with storage.ErrExists.
func (c *Catalog) Insert(ctx context.Context, meta *models.BlobMetadata) error {
	if meta.ID == "" {
		return fmt.Errorf("metadata without id")
	}
	if meta.ChunkCount != len(meta.ChunkHashes) {
		return fmt.Errorf("metadata for %s lists %d chunk hashes for %d chunks", meta.ID, len(meta.ChunkHashes), meta.ChunkCount)
	}
	return c.backend.InsertMetadata(ctx, meta)
}

// Lookup returns the metadata for id, or ErrNotFound. A record whose chunk
// hashes do not cover its chunks fails with chunker.ErrManifestMismatch.
func (c *Catalog) Lookup(ctx context.Context, id string) (*models.BlobMetadata, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	meta, err := c.backend.GetMetadata(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta.ChunkHashes) != meta.ChunkCount {
		return nil, fmt.Errorf("%w: %s lists %d hashes for %d chunks", chunker.ErrManifestMismatch, id, len(meta.ChunkHashes), meta.ChunkCount)
	}
	return meta, nil
}

// Remove deletes the metadata for id and reports whether it existed.
func (c *Catalog) Remove(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return c.backend.DeleteMetadata(ctx, id)
}
