package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"taskline/internal/engine"
	"taskline/internal/metrics"
)

// Sweeper periodically runs the timeout pass so that stalled assignments are
// recycled even when no submission or review ever arrives for them.
type Sweeper struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   zerolog.Logger
}

func New(eng engine.Engine, interval time.Duration, logger zerolog.Logger) Sweeper {
	return Sweeper{Engine: eng, Interval: interval, Logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// pass happens immediately so a restart does not leave stalled tasks waiting
// a full interval.
func (s Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	stats, err := s.Engine.SweepOnce(ctx)
	metrics.SweepRuns.Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.Logger.Error().Err(err).Msg("sweep failed")
		return
	}
	metrics.TimeoutOutcomes.WithLabelValues("reassigned").Add(float64(stats.Reassigned))
	metrics.TimeoutOutcomes.WithLabelValues("reopened").Add(float64(stats.Reopened))
	metrics.TimeoutOutcomes.WithLabelValues("expired").Add(float64(stats.Expired))
	metrics.SweepConflicts.Add(float64(stats.Conflicts))
	metrics.SweepErrors.Add(float64(stats.Errors))
	if stats.Scanned == 0 {
		s.Logger.Debug().Msg("sweep: nothing stalled")
		return
	}
	s.Logger.Info().
		Int("scanned", stats.Scanned).
		Int("reassigned", stats.Reassigned).
		Int("reopened", stats.Reopened).
		Int("expired", stats.Expired).
		Int("conflicts", stats.Conflicts).
		Int("errors", stats.Errors).
		Msg("sweep completed")
}
