package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-rental/internal/events"
	"github.com/noah-isme/backend-rental/internal/resilience"
)

// Webhook forwards domain events to an external HTTP endpoint. Each request is
// signed with HMAC-SHA256 so receivers can verify its origin.
type Webhook struct {
	URL         string
	Secret      string
	Topics      []string
	Client      *http.Client
	Breaker     *resilience.Breaker
	MaxAttempts int
	BaseBackoff time.Duration
	Now         func() time.Time
}

// StatusError is a delivery answered with a non-2xx status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: unexpected status %d", e.Status)
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Notify implements events.Notifier. Events whose topic is not subscribed are
// ignored. Client errors (4xx) are not retried.
func (w *Webhook) Notify(ctx context.Context, ev events.Event) error {
	if w == nil || strings.TrimSpace(w.URL) == "" || !w.subscribed(ev.Topic) {
		return nil
	}
	if err := ValidateURL(w.URL); err != nil {
		return err
	}
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.Notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.topic", ev.Topic),
		attribute.Int64("webhook.event_id", ev.ID),
	)

	body, err := json.Marshal(struct {
		EventID     int64           `json:"eventId"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregateId"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurredAt"`
	}{ev.ID, ev.Topic, ev.AggregateID, ev.Payload, ev.OccurredAt})
	if err != nil {
		return err
	}

	attempts := w.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if w.Breaker != nil && !w.Breaker.Allow(ctx) {
			lastErr = resilience.ErrOpenCircuit
			break
		}
		status, err := w.post(ctx, ev, body)
		ok := err == nil && status < 500
		if w.Breaker != nil {
			w.Breaker.Report(ctx, ok)
		}
		if err == nil && status >= 200 && status < 300 {
			span.SetAttributes(attribute.Int("http.status_code", status))
			return nil
		}
		if err == nil {
			statusErr := &StatusError{Status: status}
			lastErr = statusErr
			if statusErr.Permanent() {
				break
			}
		} else {
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(resilience.Backoff(w.BaseBackoff, 5*time.Second, attempt, 0.2))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	span.RecordError(lastErr)
	return lastErr
}

func (w *Webhook) post(ctx context.Context, ev events.Event, body []byte) (int, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().Unix()
	eventID := strconv.FormatInt(ev.ID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rental-api-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Event-Topic", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(w.Secret, ts, eventID, body))

	client := w.Client
	if client == nil {
		client = HTTPClient(5 * time.Second)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func (w *Webhook) subscribed(topic string) bool {
	if len(w.Topics) == 0 {
		return true
	}
	for _, t := range w.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ValidateURL accepts https endpoints and plain http only for localhost.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature is HMAC-SHA256 over "<ts>.<eventID>.<body>" keyed by secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns a traced client for webhook delivery.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
