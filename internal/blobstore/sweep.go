package blobstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/voicevault/internal/storage"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	// Scanned counts blob ids found in the chunk store.
	Scanned int
	// Skipped counts ids too young to judge or without a timestamp.
	Skipped int
	// Committed counts ids whose metadata exists.
	Committed int
	// Reclaimed counts orphaned ids whose chunks were deleted.
	Reclaimed int
}

// Sweep deletes chunks that no committed metadata refers to. An id is only
// considered once its mint time is older than grace, so uploads still in
// flight are left alone.
func (s *Store) Sweep(ctx context.Context, grace time.Duration) (SweepReport, error) {
	var report SweepReport
	if err := s.ready(); err != nil {
		return report, err
	}

	ctx, span := tracer.Start(ctx, "blobstore.Sweep")
	defer span.End()

	cutoff := s.now().Add(-grace)
	var candidates []string
	err := s.engine.WalkBlobIDs(ctx, func(id string) error {
		report.Scanned++
		minted, ok := storage.IDTime(id)
		if !ok || minted.After(cutoff) {
			report.Skipped++
			return nil
		}
		candidates = append(candidates, id)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "walk failed")
		return report, opError("sweep", "", -1, ErrReadFailure, err)
	}

	var committed, reclaimed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range candidates {
		g.Go(func() error {
			_, err := s.engine.GetMetadata(gctx, id)
			switch {
			case err == nil:
				committed.Add(1)
				return nil
			case !errors.Is(err, storage.ErrNotFound):
				return opError("sweep", id, -1, ErrReadFailure, err)
			}
			if err := s.engine.DeleteChunks(gctx, id); err != nil {
				return opError("sweep", id, -1, ErrDeleteFailure, err)
			}
			reclaimed.Add(1)
			return nil
		})
	}
	err = g.Wait()

	report.Committed = int(committed.Load())
	report.Reclaimed = int(reclaimed.Load())
	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.reclaimed", report.Reclaimed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return report, err
	}
	return report, nil
}
