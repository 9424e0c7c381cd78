// Package queue runs background earnings reconciliation and webhook
// delivery on asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-rental/internal/booking"
	"github.com/noah-isme/backend-rental/internal/earnings"
)

const (
	// TypeEarningsRecompute rebuilds the earnings row of one order.
	TypeEarningsRecompute = "earnings:recompute"
	// QueueName is the asynq queue the rental tasks run on.
	QueueName = "rental"

	defaultMaxRetry  = 10
	defaultUniqueTTL = time.Hour
)

// RecomputePayload is the body of a TypeEarningsRecompute task.
type RecomputePayload struct {
	OrderID string `json:"orderId"`
}

// NewRecomputeTask builds a recompute task. Duplicate tasks for the same
// order are rejected by asynq while one is pending.
func NewRecomputeTask(orderID string) (*asynq.Task, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("queue: order id is required")
	}
	payload, err := json.Marshal(RecomputePayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEarningsRecompute, payload,
		asynq.Queue(QueueName),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Unique(defaultUniqueTTL),
	), nil
}

// TaskClient is the subset of *asynq.Client used to publish tasks.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes recompute tasks.
type Enqueuer struct {
	Client TaskClient
}

// EnqueueRecompute schedules an earnings recompute for orderID. It reports
// false without error when an identical task is already queued.
func (e Enqueuer) EnqueueRecompute(ctx context.Context, orderID string) (bool, error) {
	if e.Client == nil {
		return false, errors.New("queue: task client not configured")
	}
	task, err := NewRecomputeTask(orderID)
	if err != nil {
		return false, err
	}
	if _, err := e.Client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return false, nil
		}
		return false, fmt.Errorf("queue: enqueue recompute %s: %w", orderID, err)
	}
	return true, nil
}

// Recomputer rebuilds the earnings of one order.
type Recomputer interface {
	RecomputeEarnings(ctx context.Context, orderID string) (earnings.Earnings, error)
}

// Handler processes recompute tasks.
type Handler struct {
	Svc     Recomputer
	Logger  zerolog.Logger
	Metrics *Metrics
}

// ProcessTask implements asynq.Handler. Tasks for orders that no longer
// exist are dropped without retry.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h == nil || h.Svc == nil {
		return errors.New("queue: recompute handler not configured")
	}
	var payload RecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || strings.TrimSpace(payload.OrderID) == "" {
		h.Metrics.observe(t.Type(), "invalid")
		return fmt.Errorf("queue: invalid %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	e, err := h.Svc.RecomputeEarnings(ctx, payload.OrderID)
	switch {
	case errors.Is(err, booking.ErrOrderNotFound):
		h.Metrics.observe(t.Type(), "skipped")
		h.Logger.Warn().Str("order_id", payload.OrderID).Msg("recompute skipped, order not found")
		return fmt.Errorf("queue: order %s: %w", payload.OrderID, asynq.SkipRetry)
	case err != nil:
		h.Metrics.observe(t.Type(), "error")
		return err
	}
	h.Metrics.observe(t.Type(), "ok")
	h.Logger.Debug().
		Str("order_id", payload.OrderID).
		Float64("total", e.Total).
		Msg("earnings recomputed")
	return nil
}

// NewServeMux routes every rental task type to its handler. hooks may be nil
// when no webhook is configured.
func NewServeMux(h *Handler, hooks *WebhookHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeEarningsRecompute, h)
	if hooks != nil {
		mux.Handle(TypeWebhookDeliver, hooks)
	}
	return mux
}

// ServerConfig returns the asynq server settings for the rental queue.
func ServerConfig(concurrency int, logger zerolog.Logger) asynq.Config {
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	}
}
