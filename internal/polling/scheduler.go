package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/pollwatch/internal/core/domain"
	"github.com/vietddude/pollwatch/internal/metrics"
	"github.com/vietddude/pollwatch/internal/resilience/circuit"
	"github.com/vietddude/pollwatch/internal/resilience/retry"
)

// ErrSessionExists is returned by Start when a session is already
// polling the given job id.
var ErrSessionExists = errors.New("polling session already exists for job")

// Scheduler manages independent polling sessions, one goroutine per
// active job id. All methods are safe for concurrent use; unrelated
// job ids never contend on the same lock.
type Scheduler[T any] struct {
	cfg      Config
	exec     *retry.Executor
	activity ActivityFunc[T]
	log      *slog.Logger
	nowFn    func() time.Time

	mu       sync.RWMutex
	sessions map[domain.JobID]*session[T]

	aggMu     sync.Mutex
	aggPolls  uint64
	aggErrors uint64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption[T any] func(*Scheduler[T])

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger[T any](log *slog.Logger) SchedulerOption[T] {
	return func(s *Scheduler[T]) { s.log = log }
}

// WithSchedulerClock overrides the scheduler clock, primarily for tests.
func WithSchedulerClock[T any](f func() time.Time) SchedulerOption[T] {
	return func(s *Scheduler[T]) { s.nowFn = f }
}

// NewScheduler creates a Scheduler. The activity function classifies
// successive snapshots; a nil function treats every observation as
// status_changed.
func NewScheduler[T any](cfg Config, exec *retry.Executor, activity ActivityFunc[T], opts ...SchedulerOption[T]) (*Scheduler[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid polling config: %w", err)
	}
	if exec == nil {
		return nil, errors.New("polling: retry executor is required")
	}

	s := &Scheduler[T]{
		cfg:      cfg,
		exec:     exec,
		activity: activity,
		sessions: make(map[domain.JobID]*session[T]),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Start begins polling jobID. The first fetch fires immediately, then
// the cadence adapts from observed activity starting at MinInterval.
// At most one session per job id may exist at a time.
func (s *Scheduler[T]) Start(ctx context.Context, jobID domain.JobID, fetch Fetch[T], handler Handler[T]) error {
	if fetch == nil {
		return errors.New("polling: fetch is required")
	}

	sess := newSession(jobID, fetch, handler, s.cfg.MinInterval)

	s.mu.Lock()
	if _, exists := s.sessions[jobID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, jobID)
	}
	s.sessions[jobID] = sess
	s.mu.Unlock()

	s.log.Info("polling started", "job", jobID, "interval", s.cfg.MinInterval)
	go s.run(ctx, sess)
	return nil
}

// Stop ends the session for jobID. The registry entry is removed
// before Stop returns, so the id is immediately free for a new Start;
// the old goroutine winds down in the background and an in-flight
// attempt finishes with its result discarded. No OnValue, OnError, or
// OnTerminal delivery occurs after Stop returns.
func (s *Scheduler[T]) Stop(jobID domain.JobID) {
	s.mu.Lock()
	sess, ok := s.sessions[jobID]
	if ok {
		delete(s.sessions, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.signalStop()

	// Barrier: an in-progress delivery holds deliverMu; once we take
	// it, every later tick sees the stopped flag before delivering.
	sess.deliverMu.Lock()
	sess.deliverMu.Unlock() //nolint:staticcheck // empty critical section is the point

	s.log.Info("polling stopped", "job", jobID)
}

// StopAll ends every active session.
func (s *Scheduler[T]) StopAll() {
	s.mu.RLock()
	ids := make([]domain.JobID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// RecordActivity feeds an externally observed activity hint into the
// session's cadence, e.g. when a push notification arrives out of
// band and the next poll should come sooner.
func (s *Scheduler[T]) RecordActivity(jobID domain.JobID, kind Activity) {
	s.mu.RLock()
	sess, ok := s.sessions[jobID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	interval := sess.applyActivity(s.cfg, kind, s.nowFn())
	metrics.CurrentInterval.WithLabelValues(string(jobID)).Set(interval.Seconds())
}

// GetMetrics returns the per-job metrics for an active session.
func (s *Scheduler[T]) GetMetrics(jobID domain.JobID) (Metrics, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[jobID]
	s.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	return sess.metrics(), true
}

// AggregateMetrics is the scheduler-wide view across all sessions,
// including ones that have already ended.
type AggregateMetrics struct {
	ActiveSessions int
	Polls          uint64
	Errors         uint64
	SuccessRate    float64
}

// GetAggregateMetrics returns scheduler-wide counters.
func (s *Scheduler[T]) GetAggregateMetrics() AggregateMetrics {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()

	s.aggMu.Lock()
	defer s.aggMu.Unlock()

	agg := AggregateMetrics{
		ActiveSessions: active,
		Polls:          s.aggPolls,
		Errors:         s.aggErrors,
	}
	if agg.Polls > 0 {
		agg.SuccessRate = float64(agg.Polls-agg.Errors) / float64(agg.Polls)
	}
	return agg
}

// run owns the session loop: poll, deliver, wait out the adaptive
// interval, until stop, terminal completion, or context end.
func (s *Scheduler[T]) run(ctx context.Context, sess *session[T]) {
	defer s.release(sess)

	sessCtx := ctx
	if s.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		sessCtx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
		defer cancel()
	}

	// First poll fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-sessCtx.Done():
			s.deliverDeadline(sess, sessCtx)
			return
		case <-sess.stopCh:
			return
		case <-timer.C:
		}

		s.tick(sessCtx, sess)

		if sess.stopped.Load() {
			return
		}
		timer.Reset(sess.currentInterval())
	}
}

// tick runs one fetch through the retry executor and delivers the
// outcome. Results arriving after the session stopped are discarded.
func (s *Scheduler[T]) tick(ctx context.Context, sess *session[T]) {
	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	job := string(sess.jobID)

	start := s.nowFn()
	value, failure := retry.Do(fetchCtx, s.exec, job, retry.Operation[T](sess.fetch))
	metrics.FetchLatency.WithLabelValues(job).Observe(s.nowFn().Sub(start).Seconds())
	metrics.PollsTotal.WithLabelValues(job).Inc()
	s.updateBreakerGauge(job)

	sess.deliverMu.Lock()
	defer sess.deliverMu.Unlock()

	if sess.stopped.Load() {
		return
	}

	if failure != nil {
		sess.recordError()
		s.countPoll(true)
		interval := sess.applyActivity(s.cfg, ActivityErrored, s.nowFn())
		metrics.PollErrorsTotal.WithLabelValues(job, string(failure.Kind)).Inc()
		metrics.CurrentInterval.WithLabelValues(job).Set(interval.Seconds())

		s.log.Warn("poll failed",
			"job", job,
			"kind", failure.Kind,
			"interval", interval,
		)

		if sess.handler.OnError != nil {
			sess.handler.OnError(failure)
		}
		return
	}

	activity := sess.observe(value, s.activity)
	s.countPoll(false)
	interval := sess.applyActivity(s.cfg, activity, s.nowFn())
	metrics.CurrentInterval.WithLabelValues(job).Set(interval.Seconds())

	if sess.handler.OnValue != nil {
		sess.handler.OnValue(value, activity)
	}

	if sess.handler.IsTerminal != nil && sess.handler.IsTerminal(value) {
		if sess.handler.OnTerminal != nil {
			sess.handler.OnTerminal(value)
		}
		s.log.Info("polling reached terminal value", "job", job)
		sess.signalStop()
	}
}

// deliverDeadline surfaces a session deadline as a timeout failure.
// Plain cancellation ends the session silently.
func (s *Scheduler[T]) deliverDeadline(sess *session[T], ctx context.Context) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}

	sess.deliverMu.Lock()
	defer sess.deliverMu.Unlock()
	if sess.stopped.Load() {
		return
	}

	if sess.handler.OnError != nil {
		failure := s.exec.ClassifyError(fmt.Errorf("polling session deadline: %w", context.DeadlineExceeded))
		sess.handler.OnError(failure)
	}
}

func (s *Scheduler[T]) release(sess *session[T]) {
	sess.signalStop()

	// Stop may have already freed the id and a new session may own it;
	// only remove the entry if it is still ours.
	s.mu.Lock()
	if cur, ok := s.sessions[sess.jobID]; ok && cur == sess {
		delete(s.sessions, sess.jobID)
	}
	s.mu.Unlock()

	close(sess.done)
	s.log.Debug("polling session released", "job", sess.jobID)
}

func (s *Scheduler[T]) countPoll(failed bool) {
	s.aggMu.Lock()
	s.aggPolls++
	if failed {
		s.aggErrors++
	}
	s.aggMu.Unlock()
}

func (s *Scheduler[T]) updateBreakerGauge(job string) {
	snap := s.exec.BreakerSnapshot(job)
	open := 0.0
	if snap.Phase == circuit.PhaseOpen {
		open = 1.0
	}
	metrics.BreakerOpen.WithLabelValues(job).Set(open)
}
