package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	Closed State = iota
	Open
	// HalfOpen lets a single request through to test the dependency.
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// tally counts outcomes while the breaker is closed.
type tally struct{ ok, failed int }

func (t tally) total() int { return t.ok + t.failed }

// decay halves both counters so old outcomes weigh less than recent ones.
func (t *tally) decay() {
	t.ok = (t.ok + 1) / 2
	t.failed = (t.failed + 1) / 2
}

// Breaker opens when the failure ratio of a closed window reaches a threshold.
// It guards the catalog cache and outgoing webhooks, both of which have a
// fallback or a retry when it refuses.
type Breaker struct {
	mu       sync.Mutex
	state    State
	counts   tally
	openedAt time.Time

	minRequests  int
	failureRatio float64
	openFor      time.Duration

	target  string
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewBreaker returns a closed breaker. Out of range settings fall back to one
// request, a ratio of 0.5 and a 30 second cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	b := &Breaker{
		minRequests:  max(minRequests, 1),
		failureRatio: failureRatio,
		openFor:      openFor,
		target:       "default",
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	if b.failureRatio <= 0 {
		b.failureRatio = 0.5
	}
	b.failureRatio = min(b.failureRatio, 1)
	if b.openFor <= 0 {
		b.openFor = 30 * time.Second
	}
	return b
}

// WithTarget names the guarded dependency in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if target = strings.TrimSpace(target); target != "" {
		b.target = target
	}
	b.publishState()
	return b
}

// WithMetrics publishes state changes to m.
func (b *Breaker) WithMetrics(m *Metrics) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
	b.publishState()
	return b
}

// WithLogger logs transitions to logger.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may go through. Once the cool-off has
// elapsed an open breaker lets one request through and turns half-open.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if b.now().Sub(b.openedAt) < b.openFor {
		return false
	}
	b.moveTo(ctx, HalfOpen)
	return true
}

// Report records the outcome of an allowed request.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.moveTo(ctx, Closed)
		} else {
			b.moveTo(ctx, Open)
		}
		return
	}

	if success {
		b.counts.ok++
	} else {
		b.counts.failed++
	}
	total := b.counts.total()
	switch {
	case total < b.minRequests:
	case float64(b.counts.failed)/float64(total) >= b.failureRatio:
		b.moveTo(ctx, Open)
	case total > 2*b.minRequests:
		b.counts.decay()
	}
}

func (b *Breaker) moveTo(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	b.counts = tally{}
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishState()
	if prev == next {
		return
	}
	if b.metrics != nil {
		b.metrics.Transitions.WithLabelValues(b.target, prev.String(), next.String()).Inc()
		if next == Open {
			b.metrics.Opened.WithLabelValues(b.target).Inc()
		}
	}
	evt := b.logger.Info().Str("target", b.target).Stringer("from_state", prev).Stringer("to_state", next)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

// publishState sets the state gauge: 0 closed, 1 open, 2 half-open.
func (b *Breaker) publishState() {
	if b.metrics != nil {
		b.metrics.State.WithLabelValues(b.target).Set(float64(b.state))
	}
}
