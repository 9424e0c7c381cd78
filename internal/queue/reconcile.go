package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// OrderLister lists orders that still need reconciling.
type OrderLister interface {
	ActiveOrderIDs(ctx context.Context, since time.Time) ([]string, error)
}

// Reconciler enqueues a recompute for every active order. It runs on the
// worker's nightly schedule.
type Reconciler struct {
	Orders   OrderLister
	Queue    Enqueuer
	Lookback time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Run enqueues recompute tasks and returns how many were published.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	if r.Orders == nil {
		return 0, errors.New("queue: reconciler order lister not configured")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	since := now().UTC().Add(-r.Lookback)
	ids, err := r.Orders.ActiveOrderIDs(ctx, since)
	if err != nil {
		return 0, err
	}
	var (
		enqueued int
		errs     []error
	)
	for _, id := range ids {
		ok, err := r.Queue.EnqueueRecompute(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	r.Logger.Info().
		Int("orders", len(ids)).
		Int("enqueued", enqueued).
		Int("failed", len(errs)).
		Msg("earnings reconcile scheduled")
	return enqueued, errors.Join(errs...)
}
