package polling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/pollwatch/internal/core/domain"
	"github.com/vietddude/pollwatch/internal/resilience/classify"
)

// Fetch is the caller-supplied status fetch for one job.
type Fetch[T any] func(ctx context.Context) (T, error)

// Handler receives session output. OnValue and OnError are invoked
// from the session goroutine; they must not call back into the
// Scheduler synchronously. A session that should end on a given value
// signals that through IsTerminal instead of calling Stop.
type Handler[T any] struct {
	OnValue func(value T, activity Activity)
	OnError func(failure *classify.Failure)

	// IsTerminal, when set, is consulted after every delivered value;
	// returning true ends the session.
	IsTerminal func(value T) bool

	// OnTerminal, when set, runs once when IsTerminal ends the session.
	OnTerminal func(value T)
}

// session is the per-job polling state. One goroutine owns the loop;
// stateMu guards cadence bookkeeping, deliverMu serializes callback
// delivery against Stop so no delivery happens after Stop returns.
type session[T any] struct {
	jobID   domain.JobID
	fetch   Fetch[T]
	handler Handler[T]

	stateMu             sync.Mutex
	interval            time.Duration
	consecutiveNoChange int
	lastActivity        Activity
	lastActivityAt      time.Time
	lastValue           T
	hasValue            bool
	polls               uint64
	errors              uint64

	deliverMu sync.Mutex
	stopped   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func newSession[T any](jobID domain.JobID, fetch Fetch[T], handler Handler[T], initialInterval time.Duration) *session[T] {
	return &session[T]{
		jobID:    jobID,
		fetch:    fetch,
		handler:  handler,
		interval: initialInterval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// signalStop marks the session stopped. Idempotent; reachable from
// Stop, terminal completion, and loop teardown.
func (s *session[T]) signalStop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
}

func (s *session[T]) currentInterval() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.interval
}

// applyActivity adjusts the cadence for one observation and returns
// the new interval.
func (s *session[T]) applyActivity(cfg Config, kind Activity, at time.Time) time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch {
	case kind.fresh():
		s.interval = cfg.MinInterval
		s.consecutiveNoChange = 0
	case kind == ActivityNoChange:
		s.consecutiveNoChange++
		if s.consecutiveNoChange > cfg.InactivityThreshold {
			s.interval = growInterval(s.interval, cfg)
		}
	case kind == ActivityErrored:
		s.interval = growInterval(s.interval, cfg)
	}

	s.lastActivity = kind
	s.lastActivityAt = at
	return s.interval
}

func growInterval(current time.Duration, cfg Config) time.Duration {
	grown := time.Duration(float64(current) * cfg.GrowthFactor)
	if grown > cfg.MaxInterval {
		grown = cfg.MaxInterval
	}
	return grown
}

// observe records the fetched value and derives its activity. The
// first observation always counts as status_changed.
func (s *session[T]) observe(value T, fn ActivityFunc[T]) Activity {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	activity := ActivityStatusChanged
	if s.hasValue && fn != nil {
		activity = fn(s.lastValue, value)
	}

	s.lastValue = value
	s.hasValue = true
	s.polls++
	return activity
}

func (s *session[T]) recordError() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.polls++
	s.errors++
}

// Metrics is the per-job view exposed by the Scheduler.
type Metrics struct {
	JobID               domain.JobID
	Polls               uint64
	Errors              uint64
	CurrentInterval     time.Duration
	ConsecutiveNoChange int
	LastActivity        Activity
	LastActivityAt      time.Time
}

func (s *session[T]) metrics() Metrics {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return Metrics{
		JobID:               s.jobID,
		Polls:               s.polls,
		Errors:              s.errors,
		CurrentInterval:     s.interval,
		ConsecutiveNoChange: s.consecutiveNoChange,
		LastActivity:        s.lastActivity,
		LastActivityAt:      s.lastActivityAt,
	}
}
