package storage

import (
	"errors"
	"io"
)

// ClusterEngine combines a remote chunk store (MinIO or S3) with a catalog
// (TiDB, optionally Redis-cached) into a single Engine.
type ClusterEngine struct {
	ChunkStore
	Catalog

	closers []io.Closer
}

// NewClusterEngine composes chunks and catalog. closers are closed, in
// reverse order, when the engine is closed.
func NewClusterEngine(chunks ChunkStore, catalog Catalog, closers ...io.Closer) *ClusterEngine {
	return &ClusterEngine{
		ChunkStore: chunks,
		Catalog:    catalog,
		closers:    closers,
	}
}

// NewID mints a new blob id.
func (e *ClusterEngine) NewID() string {
	return NewID()
}

// Close releases every underlying connection.
func (e *ClusterEngine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
