// Package runtime runs background jobs for the daemon.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// UsageClearer deletes usage rows older than a cutoff.
type UsageClearer interface {
	ClearBefore(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically deletes usage rows older than a fixed age.
type Retention struct {
	usage    UsageClearer
	maxAge   time.Duration
	schedule cron.Schedule
	spec     string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRetention creates a retention job. maxAge must be positive.
func NewRetention(usage UsageClearer, maxAge time.Duration, schedule string, logger zerolog.Logger) (*Retention, error) {
	if usage == nil {
		return nil, fmt.Errorf("usage cannot be nil")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", maxAge)
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse retention schedule %q: %w", schedule, err)
	}
	return &Retention{
		usage:    usage,
		maxAge:   maxAge,
		schedule: sched,
		spec:     schedule,
		logger:   logger.With().Str("component", "retention").Logger(),
		now:      time.Now,
	}, nil
}

// Start sweeps once, then on every scheduled tick until ctx is done.
// It blocks until the last sweep has finished.
func (r *Retention) Start(ctx context.Context) {
	r.logger.Info().Str("schedule", r.spec).Dur("maxAge", r.maxAge).Msg("Starting usage retention")

	r.RunOnce(ctx)

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(r.schedule, cron.FuncJob(func() { r.RunOnce(ctx) }))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info().Msg("Usage retention stopped: context cancelled")
}

// RunOnce deletes rows older than the retention age and returns how many
// were removed.
func (r *Retention) RunOnce(ctx context.Context) int64 {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.usage.ClearBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Time("cutoff", cutoff).Msg("Failed to clear usage")
		return 0
	}
	if n > 0 {
		r.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Cleared old usage records")
	}
	return n
}
