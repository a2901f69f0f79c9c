// Package scheduler runs the minute-plus-granularity maintenance jobs that
// don't belong on the sub-second HealthCollector ticker: failure-tracker
// cooldown sweeps, a cumulative-metrics snapshot log line, and a sweep for
// streams stuck mid-provisioning. These ride a cron schedule rather than a
// bare time.Ticker loop since they fire far less often.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// failureTrackerMaxAge bounds how long failure history is kept: an entry
// older than this with no further activity is forgotten.
const failureTrackerMaxAge = time.Hour

// FailureTracker is the subset of selector.FailureTracker the cleanup job
// drives.
type FailureTracker interface {
	Cleanup(olderThan time.Duration)
}

// MetricsSnapshotter reports a process-wide summary for the periodic log
// line.
type MetricsSnapshotter interface {
	Snapshot() (activeStreams int, healthyEngines int, unhealthyEngines int)
}

// PendingSweeper reaps streams that began provisioning but never completed
// within a grace window.
type PendingSweeper interface {
	SweepPending(ctx context.Context)
}

// Scheduler wraps a cron.Cron instance wiring the three maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
}

// New builds a Scheduler. Any of tracker, metrics, sweeper may be nil to
// skip that job, letting callers wire only the collaborators they have
// (useful in tests and in stateless/no-orchestrator deployments).
func New(ctx context.Context, tracker FailureTracker, metrics MetricsSnapshotter, sweeper PendingSweeper) (*Scheduler, error) {
	c := cron.New()

	if tracker != nil {
		if _, err := c.AddFunc("@every 1m", func() {
			tracker.Cleanup(failureTrackerMaxAge)
		}); err != nil {
			return nil, err
		}
	}

	if metrics != nil {
		if _, err := c.AddFunc("@every 5m", func() {
			active, healthy, unhealthy := metrics.Snapshot()
			slog.Info("scheduler: periodic snapshot",
				"active_streams", active, "healthy_engines", healthy, "unhealthy_engines", unhealthy)
		}); err != nil {
			return nil, err
		}
	}

	if sweeper != nil {
		if _, err := c.AddFunc("@every 2m", func() {
			sweeper.SweepPending(ctx)
		}); err != nil {
			return nil, err
		}
	}

	return &Scheduler{cron: c}, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
