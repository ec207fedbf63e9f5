// Package circuit implements a per-operation-key circuit breaker that
// gates attempts after a run of consecutive failures.
package circuit

import (
	"sync"
	"time"
)

// Phase is the breaker state.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// Config holds breaker thresholds. Values come from the engine
// configuration, not from built-in defaults.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Snapshot is a point-in-time view of a breaker, for metrics and
// health reporting.
type Snapshot struct {
	Phase               Phase
	ConsecutiveFailures int
	OpenedAt            *time.Time
}

// Breaker tracks consecutive-failure state for one operation key.
//
// Closed: attempts pass; reaching FailureThreshold consecutive
// failures opens the breaker. Open: attempts are rejected until
// ResetTimeout has elapsed, then the next attempt runs as a single
// half-open trial. A successful trial closes the breaker, a failed
// trial reopens it with a fresh window.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	phase               Phase
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	nowFn func() time.Time
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Breaker{
		cfg:   cfg,
		phase: PhaseClosed,
		nowFn: time.Now,
	}
}

// Allow reports whether an attempt may proceed. A half-open trial slot
// is claimed by the caller that receives true; its outcome must be
// reported via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refreshLocked() {
	case PhaseOpen:
		return false
	case PhaseHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refreshLocked() {
	case PhaseClosed:
		b.consecutiveFailures = 0
	case PhaseHalfOpen:
		b.transitionLocked(PhaseClosed)
	}
}

// RecordFailure reports a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refreshLocked() {
	case PhaseClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(PhaseOpen)
		}
	case PhaseHalfOpen:
		b.transitionLocked(PhaseOpen)
	}
}

// Reset forces the breaker closed and clears counters. Intended for
// operator-triggered recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(PhaseClosed)
}

// Phase returns the current phase, refreshing an expired open window.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked()
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Phase:               b.refreshLocked(),
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if s.Phase != PhaseClosed {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// refreshLocked moves Open to HalfOpen once the reset timeout elapses.
func (b *Breaker) refreshLocked() Phase {
	if b.phase == PhaseOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(PhaseHalfOpen)
	}
	return b.phase
}

func (b *Breaker) transitionLocked(next Phase) {
	b.phase = next
	switch next {
	case PhaseClosed:
		b.consecutiveFailures = 0
		b.trialInFlight = false
	case PhaseOpen:
		b.openedAt = b.nowFn()
		b.trialInFlight = false
	case PhaseHalfOpen:
		b.trialInFlight = false
	}
}

// SetClock overrides the breaker clock, primarily for tests.
func (b *Breaker) SetClock(f func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFn = f
}
