package polling

import (
	"fmt"
	"time"
)

// Config controls the adaptive cadence of every session created by a
// Scheduler. All values are supplied by the caller; there are no
// built-in profile defaults.
type Config struct {
	// MinInterval is the tightest cadence, used while the job shows
	// fresh activity.
	MinInterval time.Duration

	// MaxInterval caps cadence decay during long quiet stretches.
	MaxInterval time.Duration

	// InactivityThreshold is how many consecutive unchanged
	// observations are tolerated before the interval starts growing.
	InactivityThreshold int

	// GrowthFactor multiplies the interval on sustained inactivity
	// and on permanent fetch failures.
	GrowthFactor float64

	// FetchTimeout, when positive, bounds each individual fetch
	// attempt. Exceeding it classifies as a timeout failure.
	FetchTimeout time.Duration

	// SessionTimeout, when positive, bounds the whole polling session.
	// Exceeding it surfaces a timeout failure and ends the session.
	SessionTimeout time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.MinInterval <= 0 {
		return fmt.Errorf("min interval must be positive, got %v", c.MinInterval)
	}
	if c.MaxInterval < c.MinInterval {
		return fmt.Errorf("max interval %v must be >= min interval %v", c.MaxInterval, c.MinInterval)
	}
	if c.InactivityThreshold < 0 {
		return fmt.Errorf("inactivity threshold must be >= 0, got %d", c.InactivityThreshold)
	}
	if c.GrowthFactor < 1 {
		return fmt.Errorf("growth factor must be >= 1, got %g", c.GrowthFactor)
	}
	return nil
}
