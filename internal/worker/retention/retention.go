// Package retention periodically deletes quota counters of weeks that are
// past the retention period. The current week is never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention keeps eight weeks of counters.
const DefaultRetention = 8 * 7 * 24 * time.Hour

// Purger deletes counters of windows that started before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job purges expired quota counters.
type Job struct {
	purger Purger
	logger *slog.Logger

	Retention time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

// NewJob returns a job with an eight week retention that runs daily.
func NewJob(purger Purger, logger *slog.Logger) *Job {
	return &Job{
		purger:    purger,
		logger:    logger,
		Retention: DefaultRetention,
		Interval:  24 * time.Hour,
		Now:       time.Now,
	}
}

// Run performs one purge.
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Now().Add(-j.Retention)

	deleted, err := j.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("quota counter purge failed",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return fmt.Errorf("purging quota counters: %w", err)
	}

	j.logger.Info("quota counter purge completed",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start runs the job immediately and then every Interval until ctx is done.
// Failed runs are logged and retried at the next tick.
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		_ = j.Run(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
