package retry

import (
	"math"
	"math/rand"
	"time"
)

// delayFor computes the backoff before retry number attempt+1:
// min(MaxDelay, InitialDelay * BackoffMultiplier^attempt), optionally
// jittered.
func (e *Executor) delayFor(attempt int) time.Duration {
	delay := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.BackoffMultiplier, float64(attempt))
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if e.cfg.Jitter {
		d = jitter(d)
	}
	return d
}

// jitter spreads d uniformly within ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * factor)
}
