package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers the reconciler on a cron spec with seconds precision,
// evaluated in UTC.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler registers r under spec. Runs that overlap a still running
// reconcile are skipped.
func NewScheduler(ctx context.Context, spec string, r *Reconciler) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	s := &Scheduler{cron: c, ctx: ctx}
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Run(s.ctx); err != nil {
			r.Logger.Error().Err(err).Msg("earnings reconcile failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("queue: schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for a running reconcile to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().UTC())
}
