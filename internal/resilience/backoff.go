package resilience

import (
	"math/rand"
	"time"
)

// Backoff returns an exponential delay for attempt (1-based) capped at limit.
// jitterPct spreads the delay by that fraction in both directions.
func Backoff(base, limit time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for n := 1; n < attempt; n++ {
		if limit > 0 && d >= limit/2 {
			d = limit
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
