// Package recovery wraps an asynchronous value sequence, typically a
// polling session's output, and applies a configured strategy on
// failure while exposing a continuous health signal.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/pollwatch/internal/metrics"
	"github.com/vietddude/pollwatch/internal/resilience/classify"
)

const (
	valueBufferSize  = 16
	healthBufferSize = 16

	// reestablishMaxDelay caps the re-establishment backoff.
	reestablishMaxDelay = time.Minute
)

// Event is one upstream occurrence: a value, a classified failure, or
// a heartbeat synthesized by the degraded-continuation strategy.
type Event[T any] struct {
	Value     T
	Err       *classify.Failure
	Heartbeat bool
}

// RestartFunc re-establishes the source, e.g. by restarting the
// underlying poll, and returns the replacement sequence.
type RestartFunc[T any] func(ctx context.Context) (<-chan Event[T], error)

// Stats counts recovery actions over the wrapper's lifetime.
type Stats struct {
	Values           uint64
	Errors           uint64
	Reestablishments uint64
	Escalations      uint64
	FallbacksEmitted uint64
	Buffered         uint64
	Dropped          uint64
	Suppressed       uint64
	Heartbeats       uint64
	CooldownsEntered uint64
}

// Wrapper consumes a source sequence and exposes a resilient value
// channel plus an independent health channel. One event-loop goroutine
// owns the source; at most one re-establishment is ever in flight.
type Wrapper[T any] struct {
	id  string
	cfg Config[T]
	log *slog.Logger

	values chan Event[T]
	health chan HealthUpdate
	done   chan struct{}

	mu          sync.Mutex
	hs          healthState
	stats       Stats
	lastGood    T
	hasLastGood bool

	// Loop-goroutine state, unshared.
	pending          []Event[T]
	reestablishments int
	cooldownUntil    time.Time

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	closeOnce sync.Once
}

// Option configures a Wrapper.
type Option[T any] func(*Wrapper[T])

// WithLogger sets the wrapper logger.
func WithLogger[T any](log *slog.Logger) Option[T] {
	return func(w *Wrapper[T]) { w.log = log }
}

// WithClock overrides the wrapper clock, primarily for tests.
func WithClock[T any](f func() time.Time) Option[T] {
	return func(w *Wrapper[T]) { w.nowFn = f }
}

// WithSleep overrides the re-establishment backoff sleep, primarily
// for tests.
func WithSleep[T any](f func(ctx context.Context, d time.Duration) error) Option[T] {
	return func(w *Wrapper[T]) { w.sleepFn = f }
}

// Wrap starts observing source under cfg. The returned wrapper's
// channels close when source ends or ctx is done; teardown is
// idempotent from every exit path.
func Wrap[T any](ctx context.Context, source <-chan Event[T], cfg Config[T], opts ...Option[T]) (*Wrapper[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recovery config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("recovery: source is required")
	}

	w := &Wrapper[T]{
		id:     uuid.New().String(),
		cfg:    cfg,
		values: make(chan Event[T], valueBufferSize),
		health: make(chan HealthUpdate, healthBufferSize),
		done:   make(chan struct{}),
		hs:     newHealthState(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.sleepFn == nil {
		w.sleepFn = sleepContext
	}

	go w.run(ctx, source)
	return w, nil
}

// Values returns the resilient sequence.
func (w *Wrapper[T]) Values() <-chan Event[T] { return w.values }

// Health returns the health signal, delivered independently of and at
// least as promptly as the value channel.
func (w *Wrapper[T]) Health() <-chan HealthUpdate { return w.health }

// Done closes when the wrapper has shut down.
func (w *Wrapper[T]) Done() <-chan struct{} { return w.done }

// ID is the wrapper's instance id, used in logs and metric labels.
func (w *Wrapper[T]) ID() string { return w.id }

// CurrentHealth returns the latest health state.
func (w *Wrapper[T]) CurrentHealth() HealthUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hs.update(w.nowFn())
}

// GetStats returns the recovery counters.
func (w *Wrapper[T]) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ResetState clears health and recovery bookkeeping. The loop's
// re-establishment budget resets on its next successful value.
func (w *Wrapper[T]) ResetState() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hs = newHealthState()
	metrics.HealthState.WithLabelValues(w.id).Set(0)
}

func (w *Wrapper[T]) run(ctx context.Context, source <-chan Event[T]) {
	defer w.close()

	src := source
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				// Source completed; hand off anything still buffered
				// before closing the value channel.
				w.flushPending(ctx)
				return
			}
			if ev.Err == nil {
				if !w.onValue(ctx, ev) {
					return
				}
			} else {
				next, cont := w.onError(ctx, src, ev.Err)
				if !cont {
					return
				}
				src = next
			}
		}
	}
}

// onValue records a successful observation and emits it downstream.
func (w *Wrapper[T]) onValue(ctx context.Context, ev Event[T]) bool {
	w.mu.Lock()
	w.hs.onSuccess()
	w.stats.Values++
	w.lastGood = ev.Value
	w.hasLastGood = true
	update := w.hs.update(w.nowFn())
	gauge := w.hs.gaugeValue()
	w.mu.Unlock()

	w.reestablishments = 0

	metrics.HealthState.WithLabelValues(w.id).Set(gauge)
	w.pushHealth(update)

	switch w.cfg.Strategy {
	case StrategyBuffer:
		w.bufferEmit(ev)
		return true
	case StrategyCircuitBreak:
		if w.nowFn().Before(w.cooldownUntil) {
			w.count(func(s *Stats) { s.Suppressed++ })
			return true
		}
	}
	return w.emit(ctx, ev)
}

// onError applies the configured strategy to one upstream failure. It
// returns the (possibly re-established) source and whether to keep
// running.
func (w *Wrapper[T]) onError(ctx context.Context, src <-chan Event[T], f *classify.Failure) (<-chan Event[T], bool) {
	w.mu.Lock()
	w.hs.onFailure(f, w.cfg.UnhealthyThreshold)
	w.stats.Errors++
	update := w.hs.update(w.nowFn())
	gauge := w.hs.gaugeValue()
	consecutive := w.hs.consecutiveFailures
	w.mu.Unlock()

	metrics.HealthState.WithLabelValues(w.id).Set(gauge)
	w.pushHealth(update)

	w.log.Debug("recovery observed failure",
		"wrapper", w.id,
		"strategy", w.cfg.Strategy,
		"kind", f.Kind,
		"consecutive", consecutive,
	)

	switch w.cfg.Strategy {
	case StrategyRetry:
		return w.applyRetry(ctx, src)

	case StrategyFallback:
		return src, w.emitFallback(ctx)

	case StrategyBuffer:
		// Values are replayed once delivery recovers; the error
		// itself surfaces through the health signal only.
		w.count(func(s *Stats) { s.Suppressed++ })
		return src, true

	case StrategyCircuitBreak:
		now := w.nowFn()
		if now.Before(w.cooldownUntil) {
			w.count(func(s *Stats) { s.Suppressed++ })
			return src, true
		}
		if consecutive > w.cfg.ErrorThreshold {
			w.cooldownUntil = now.Add(w.cfg.Cooldown)
			w.count(func(s *Stats) { s.CooldownsEntered++ })
			metrics.RecoveryEventsTotal.WithLabelValues(string(StrategyCircuitBreak)).Inc()
			w.log.Warn("recovery entered cooldown",
				"wrapper", w.id,
				"until", w.cooldownUntil,
			)
			return src, true
		}
		return src, w.emit(ctx, Event[T]{Err: f})

	case StrategyDegrade:
		w.count(func(s *Stats) { s.Heartbeats++ })
		metrics.RecoveryEventsTotal.WithLabelValues(string(StrategyDegrade)).Inc()
		return src, w.emit(ctx, Event[T]{Heartbeat: true})
	}

	return src, true
}

// applyRetry re-establishes the source after a backoff, escalating to
// fallback behavior once the budget is spent.
func (w *Wrapper[T]) applyRetry(ctx context.Context, src <-chan Event[T]) (<-chan Event[T], bool) {
	if w.reestablishments >= w.cfg.MaxReestablish {
		w.count(func(s *Stats) { s.Escalations++ })
		w.log.Warn("re-establishment budget exhausted, escalating",
			"wrapper", w.id,
			"budget", w.cfg.MaxReestablish,
		)
		return src, w.emitFallback(ctx)
	}

	delay := reestablishBackoff(w.cfg.ReestablishDelay, w.reestablishments)
	if err := w.sleepFn(ctx, delay); err != nil {
		return src, false
	}

	next, err := w.cfg.Restart(ctx)
	if err != nil {
		w.reestablishments++
		w.log.Warn("re-establishment failed",
			"wrapper", w.id,
			"attempt", w.reestablishments,
			"error", err,
		)
		return src, true
	}

	w.reestablishments++
	w.count(func(s *Stats) { s.Reestablishments++ })
	metrics.RecoveryEventsTotal.WithLabelValues(string(StrategyRetry)).Inc()
	w.log.Info("source re-established",
		"wrapper", w.id,
		"attempt", w.reestablishments,
		"delay", delay,
	)
	return next, true
}

// emitFallback emits the configured fallback or last known-good value
// instead of propagating an error. With neither available it degrades
// to a heartbeat.
func (w *Wrapper[T]) emitFallback(ctx context.Context) bool {
	var value T
	have := false

	if w.cfg.HasFallback {
		value = w.cfg.FallbackValue
		have = true
	} else if w.cfg.UseLastKnownGood {
		w.mu.Lock()
		if w.hasLastGood {
			value = w.lastGood
			have = true
		}
		w.mu.Unlock()
	}

	if !have {
		w.count(func(s *Stats) { s.Heartbeats++ })
		return w.emit(ctx, Event[T]{Heartbeat: true})
	}

	w.count(func(s *Stats) { s.FallbacksEmitted++ })
	metrics.RecoveryEventsTotal.WithLabelValues(string(StrategyFallback)).Inc()
	return w.emit(ctx, Event[T]{Value: value})
}

// bufferEmit replays queued values in order, then delivers the new
// one, queueing it when the consumer is not keeping up. Oldest entries
// drop first beyond capacity.
func (w *Wrapper[T]) bufferEmit(ev Event[T]) {
	w.replayPending()

	if len(w.pending) == 0 {
		select {
		case w.values <- ev:
			return
		default:
		}
	}

	w.pending = append(w.pending, ev)
	w.count(func(s *Stats) { s.Buffered++ })
	metrics.RecoveryEventsTotal.WithLabelValues(string(StrategyBuffer)).Inc()

	if len(w.pending) > w.cfg.BufferCapacity {
		w.pending = w.pending[1:]
		w.count(func(s *Stats) { s.Dropped++ })
	}
}

func (w *Wrapper[T]) replayPending() {
	for len(w.pending) > 0 {
		select {
		case w.values <- w.pending[0]:
			w.pending = w.pending[1:]
		default:
			return
		}
	}
}

func (w *Wrapper[T]) flushPending(ctx context.Context) {
	for len(w.pending) > 0 {
		select {
		case w.values <- w.pending[0]:
			w.pending = w.pending[1:]
		case <-ctx.Done():
			return
		}
	}
}

func (w *Wrapper[T]) emit(ctx context.Context, ev Event[T]) bool {
	select {
	case w.values <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pushHealth delivers an update without ever blocking the loop,
// dropping the stalest update when the consumer lags.
func (w *Wrapper[T]) pushHealth(u HealthUpdate) {
	for {
		select {
		case w.health <- u:
			return
		default:
		}
		select {
		case <-w.health:
		default:
		}
	}
}

func (w *Wrapper[T]) count(fn func(*Stats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

func (w *Wrapper[T]) close() {
	w.closeOnce.Do(func() {
		close(w.values)
		close(w.health)
		close(w.done)
	})
}

func reestablishBackoff(initial time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= reestablishMaxDelay {
			return reestablishMaxDelay
		}
	}
	return delay
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
