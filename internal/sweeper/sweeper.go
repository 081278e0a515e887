// Package sweeper periodically reclaims chunks left behind by uploads that
// never committed.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/metrics"
)

// Sweeper runs blobstore.Store.Sweep on a fixed interval.
type Sweeper struct {
	store    *blobstore.Store
	interval time.Duration
	grace    time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a Sweeper. grace must exceed the longest expected upload.
func New(store *blobstore.Store, interval, grace time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		grace:    grace,
		metrics:  m,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// RunOnce performs a single sweep and logs its report.
func (s *Sweeper) RunOnce(ctx context.Context) (blobstore.SweepReport, error) {
	started := time.Now()
	report, err := s.store.Sweep(ctx, s.grace)
	s.metrics.ObserveSweep(report.Reclaimed, err)

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Int("scanned", report.Scanned).
		Int("skipped", report.Skipped).
		Int("committed", report.Committed).
		Int("reclaimed", report.Reclaimed).
		Dur("took", time.Since(started)).
		Msg("sweep finished")
	return report, err
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the loop.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info().Msg("periodic sweep disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
