package recovery

import (
	"fmt"
	"time"
)

// Strategy selects how the wrapper reacts when the source signals an
// error instead of a value.
type Strategy string

const (
	// StrategyRetry re-establishes the source after a backoff delay,
	// bounded by MaxReestablish, then escalates to fallback behavior.
	StrategyRetry Strategy = "retry"

	// StrategyFallback emits the configured fallback value, or the
	// last known-good value, and keeps observing the source.
	StrategyFallback Strategy = "fallback"

	// StrategyBuffer queues values that cannot be delivered during a
	// disruption and replays them in order once delivery recovers,
	// dropping oldest entries beyond BufferCapacity.
	StrategyBuffer Strategy = "buffer"

	// StrategyCircuitBreak stops emitting values for a cool-down
	// window after a run of consecutive errors, emitting only health.
	StrategyCircuitBreak Strategy = "circuit_break"

	// StrategyDegrade replaces error payloads with coarse heartbeat
	// events, keeping the consumer informed the channel is alive.
	StrategyDegrade Strategy = "degrade"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyRetry, StrategyFallback, StrategyBuffer, StrategyCircuitBreak, StrategyDegrade:
		return true
	}
	return false
}

// Config controls a Wrapper. Strategy-specific fields are ignored by
// the other strategies.
type Config[T any] struct {
	Strategy Strategy

	// Retry
	MaxReestablish   int
	ReestablishDelay time.Duration
	// Restart re-establishes the source, e.g. by restarting the
	// underlying poll. Required for StrategyRetry.
	Restart RestartFunc[T]

	// Fallback
	FallbackValue    T
	HasFallback      bool
	UseLastKnownGood bool

	// Buffer
	BufferCapacity int

	// CircuitBreak
	ErrorThreshold int
	Cooldown       time.Duration

	// Health
	UnhealthyThreshold int
}

// Validate reports configuration errors; they are fatal at Wrap time.
func (c Config[T]) Validate() error {
	if !c.Strategy.valid() {
		return fmt.Errorf("unknown recovery strategy %q", c.Strategy)
	}
	if c.UnhealthyThreshold < 0 {
		return fmt.Errorf("unhealthy threshold must be >= 0, got %d", c.UnhealthyThreshold)
	}

	switch c.Strategy {
	case StrategyRetry:
		if c.Restart == nil {
			return fmt.Errorf("retry strategy requires a restart hook")
		}
		if c.MaxReestablish <= 0 {
			return fmt.Errorf("max re-establish must be positive, got %d", c.MaxReestablish)
		}
		if c.ReestablishDelay <= 0 {
			return fmt.Errorf("re-establish delay must be positive, got %v", c.ReestablishDelay)
		}
	case StrategyFallback:
		if !c.HasFallback && !c.UseLastKnownGood {
			return fmt.Errorf("fallback strategy requires a fallback value or last-known-good")
		}
	case StrategyBuffer:
		if c.BufferCapacity <= 0 {
			return fmt.Errorf("buffer capacity must be positive, got %d", c.BufferCapacity)
		}
	case StrategyCircuitBreak:
		if c.ErrorThreshold <= 0 {
			return fmt.Errorf("error threshold must be positive, got %d", c.ErrorThreshold)
		}
		if c.Cooldown <= 0 {
			return fmt.Errorf("cooldown must be positive, got %v", c.Cooldown)
		}
	}
	return nil
}
