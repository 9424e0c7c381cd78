package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-rental/internal/events"
	"github.com/noah-isme/backend-rental/internal/notify"
)

// TypeWebhookDeliver posts one domain event to the configured webhook.
const TypeWebhookDeliver = "webhook:deliver"

const (
	webhookMaxRetry     = 8
	webhookEnqueueLimit = 2 * time.Second
)

// NewWebhookTask builds a delivery task for ev. The task ID is derived from
// the event ID so an event is queued at most once.
func NewWebhookTask(ev events.Event) (*asynq.Task, error) {
	if ev.ID <= 0 {
		return nil, errors.New("queue: event id is required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeWebhookDeliver, payload,
		asynq.Queue(QueueName),
		asynq.MaxRetry(webhookMaxRetry),
		asynq.TaskID("webhook:"+strconv.FormatInt(ev.ID, 10)),
	), nil
}

// WebhookEnqueuer is an events.Notifier that hands deliveries to the worker.
// Enqueueing is detached from the caller's context so a client disconnecting
// after commit does not drop the delivery.
type WebhookEnqueuer struct {
	Client TaskClient
}

// Notify implements events.Notifier.
func (e WebhookEnqueuer) Notify(ctx context.Context, ev events.Event) error {
	if e.Client == nil {
		return errors.New("queue: task client not configured")
	}
	task, err := NewWebhookTask(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookEnqueueLimit)
	defer cancel()
	if _, err := e.Client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("queue: enqueue webhook for event %d: %w", ev.ID, err)
	}
	return nil
}

// Deliverer sends one event to an external endpoint.
type Deliverer interface {
	Notify(ctx context.Context, ev events.Event) error
}

// WebhookHandler processes delivery tasks. Rejections by the receiver are
// not retried; transport errors and 5xx answers are retried by asynq.
type WebhookHandler struct {
	Hook    Deliverer
	Logger  zerolog.Logger
	Metrics *Metrics
}

// ProcessTask implements asynq.Handler.
func (h *WebhookHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h == nil || h.Hook == nil {
		return errors.New("queue: webhook handler not configured")
	}
	var ev events.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil || ev.ID <= 0 {
		h.Metrics.observe(t.Type(), "invalid")
		return fmt.Errorf("queue: invalid %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	err := h.Hook.Notify(ctx, ev)
	var statusErr *notify.StatusError
	switch {
	case err == nil:
		h.Metrics.observe(t.Type(), "ok")
		return nil
	case errors.As(err, &statusErr) && statusErr.Permanent():
		h.Metrics.observe(t.Type(), "rejected")
		h.Logger.Warn().Int64("event_id", ev.ID).Int("status", statusErr.Status).Msg("webhook rejected event")
		return fmt.Errorf("queue: event %d: %w: %w", ev.ID, err, asynq.SkipRetry)
	default:
		h.Metrics.observe(t.Type(), "error")
		return err
	}
}
