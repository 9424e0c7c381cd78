package resilience_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-rental/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.5, 50*time.Millisecond)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")
	require.Equal(t, resilience.Open, breaker.State())

	time.Sleep(60 * time.Millisecond)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	require.Equal(t, resilience.HalfOpen, breaker.State())
	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx), "breaker should close after successful probe")
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestBreakerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := resilience.NewMetrics("rental", reg)
	breaker := resilience.NewBreaker(1, 0.5, 20*time.Millisecond).WithTarget("catalog_cache").WithMetrics(metrics)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.State.WithLabelValues("catalog_cache")))

	require.Eventually(t, func() bool {
		return breaker.Allow(ctx)
	}, 200*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.State.WithLabelValues("catalog_cache")))

	breaker.Report(ctx, true)
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.State.WithLabelValues("catalog_cache")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Opened.WithLabelValues("catalog_cache")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("catalog_cache", "closed", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("catalog_cache", "open", "half_open")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("catalog_cache", "half_open", "closed")))
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 0, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 0, 3, 0))
	require.Equal(t, 250*time.Millisecond, resilience.Backoff(base, 250*time.Millisecond, 5, 0))

	d := resilience.Backoff(base, 0, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-base*2/5)
	require.LessOrEqual(t, d, base*2+base*2/5)
}

func TestBreakerLogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	breaker := resilience.NewBreaker(1, 0.5, time.Minute).WithTarget("events_webhook").WithLogger(zerolog.New(&buf))

	breaker.Report(context.Background(), false)
	require.Equal(t, resilience.Open, breaker.State())
	require.Contains(t, buf.String(), `"target":"events_webhook"`)
	require.Contains(t, buf.String(), `"from_state":"closed"`)
	require.Contains(t, buf.String(), `"to_state":"open"`)
	require.Equal(t, "unknown", resilience.State(7).String())
}

func TestBreakerDecaysClosedWindow(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.5, time.Minute)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		breaker.Report(ctx, true)
	}
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State())
	breaker.Report(ctx, false)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
}
