// Package retry wraps a single asynchronous operation with bounded
// retry, exponential backoff, and circuit-breaker gating.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/pollwatch/internal/metrics"
	"github.com/vietddude/pollwatch/internal/resilience/circuit"
	"github.com/vietddude/pollwatch/internal/resilience/classify"
)

// ErrCircuitOpen is the cause attached to failures synthesized when
// the breaker rejects an attempt without invoking the operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config defines retry behavior for all keys handled by an Executor.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Jitter spreads each delay by up to ±20% so many concurrent
	// sessions retrying the same outage do not synchronize.
	Jitter  bool
	Breaker circuit.Config
}

// Validate reports configuration errors. Invalid configuration is
// fatal at construction time, never mid-operation.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive, got %v", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay %v must be >= initial delay %v", c.MaxDelay, c.InitialDelay)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.Breaker.ResetTimeout)
	}
	return nil
}

// State is the retry bookkeeping for one operation key.
type State struct {
	Attempt     int
	NextDelay   time.Duration
	LastFailure *classify.Failure
}

// Stats aggregates outcomes across all keys of an Executor.
type Stats struct {
	Attempts          uint64
	Successes         uint64
	Failures          uint64
	CircuitRejections uint64
}

// Operation is a single asynchronous attempt producing a value.
type Operation[T any] func(ctx context.Context) (T, error)

// Executor executes operations with retry and breaker gating. Safe for
// concurrent use; per-key state is serialized, unrelated keys are not.
type Executor struct {
	cfg        Config
	classifier *classify.Classifier
	breakers   *circuit.Registry
	log        *slog.Logger

	mu     sync.Mutex
	states map[string]*keyState
	stats  Stats

	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time
}

type keyState struct {
	mu    sync.Mutex
	state State
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// WithClassifier replaces the default classifier.
func WithClassifier(c *classify.Classifier) ExecutorOption {
	return func(e *Executor) { e.classifier = c }
}

// WithSleep overrides the backoff sleep, primarily for tests.
func WithSleep(f func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleepFn = f }
}

// WithExecutorClock overrides the executor clock, primarily for tests.
func WithExecutorClock(f func() time.Time) ExecutorOption {
	return func(e *Executor) { e.nowFn = f }
}

// NewExecutor creates an Executor. Returns an error on invalid config.
func NewExecutor(cfg Config, opts ...ExecutorOption) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	e := &Executor{
		cfg:      cfg,
		breakers: circuit.NewRegistry(cfg.Breaker),
		states:   make(map[string]*keyState),
		sleepFn:  sleepContext,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.classifier == nil {
		e.classifier = classify.New()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

// Do executes op under key with bounded retry. It returns the value on
// success, or the final classified failure. The loop is bounded by
// MaxRetries+1 total attempts; non-retryable failures and breaker
// rejections surface immediately without consuming a retry slot.
func Do[T any](ctx context.Context, e *Executor, key string, op Operation[T]) (T, *classify.Failure) {
	var zero T

	st := e.stateFor(key)
	br := e.breakers.Get(key)

	for {
		if err := ctx.Err(); err != nil {
			return zero, e.classifier.Classify(err)
		}

		if !br.Allow() {
			e.countCircuitRejection()
			return zero, &classify.Failure{
				ID:         uuid.New().String(),
				Kind:       classify.KindCircuitOpen,
				Retryable:  false,
				OccurredAt: e.nowFn(),
				Cause:      ErrCircuitOpen,
			}
		}

		e.countAttempt()
		metrics.RetryAttemptsTotal.WithLabelValues(key).Inc()
		value, err := op(ctx)
		if err == nil {
			br.RecordSuccess()
			st.reset()
			e.countSuccess()
			return value, nil
		}

		failure := e.classifier.Classify(err)
		br.RecordFailure()

		attempt := st.attempt()
		if !failure.Retryable || attempt >= e.cfg.MaxRetries {
			st.fail(failure)
			e.countFailure()
			return zero, failure
		}

		delay := e.delayFor(attempt)
		st.advance(failure, delay)

		e.log.Debug("retrying operation",
			"key", key,
			"attempt", attempt+1,
			"kind", failure.Kind,
			"delay", delay,
		)

		if err := e.sleepFn(ctx, delay); err != nil {
			e.countFailure()
			return zero, e.classifier.Classify(err)
		}
	}
}

// ClassifyError runs err through the executor's classifier, producing
// the uniform failure shape without executing anything.
func (e *Executor) ClassifyError(err error) *classify.Failure {
	return e.classifier.Classify(err)
}

// StateFor returns a copy of the retry state for key.
func (e *Executor) StateFor(key string) State {
	st := e.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// ResetState clears the retry state for key.
func (e *Executor) ResetState(key string) {
	st := e.stateFor(key)
	st.reset()
}

// ResetBreaker forces the breaker for key closed.
func (e *Executor) ResetBreaker(key string) {
	e.breakers.Reset(key)
}

// BreakerSnapshot returns the breaker state for key.
func (e *Executor) BreakerSnapshot(key string) circuit.Snapshot {
	return e.breakers.Get(key).Snapshot()
}

// BreakerSnapshots returns the state of every known breaker.
func (e *Executor) BreakerSnapshots() map[string]circuit.Snapshot {
	return e.breakers.Snapshots()
}

// GetStats returns aggregate outcome counters across all keys.
func (e *Executor) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) stateFor(key string) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[key]
	if !ok {
		st = &keyState{}
		e.states[key] = st
	}
	return st
}

func (e *Executor) countAttempt() {
	e.mu.Lock()
	e.stats.Attempts++
	e.mu.Unlock()
}

func (e *Executor) countSuccess() {
	e.mu.Lock()
	e.stats.Successes++
	e.mu.Unlock()
}

func (e *Executor) countFailure() {
	e.mu.Lock()
	e.stats.Failures++
	e.mu.Unlock()
}

func (e *Executor) countCircuitRejection() {
	e.mu.Lock()
	e.stats.CircuitRejections++
	e.mu.Unlock()
}

func (s *keyState) attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Attempt
}

func (s *keyState) advance(f *classify.Failure, nextDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Attempt++
	s.state.NextDelay = nextDelay
	s.state.LastFailure = f
}

func (s *keyState) fail(f *classify.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastFailure = f
}

func (s *keyState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
