// Package control wires the engine together: one scheduler and retry
// executor per profile, a recovery wrapper per job, and the health
// surface over all of them.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/pollwatch/internal/core/config"
	"github.com/vietddude/pollwatch/internal/core/domain"
	"github.com/vietddude/pollwatch/internal/health"
	"github.com/vietddude/pollwatch/internal/jobclient"
	"github.com/vietddude/pollwatch/internal/polling"
	"github.com/vietddude/pollwatch/internal/polling/recovery"
	"github.com/vietddude/pollwatch/internal/resilience/circuit"
	"github.com/vietddude/pollwatch/internal/resilience/classify"
	"github.com/vietddude/pollwatch/internal/resilience/retry"
)

const sourceBufferSize = 16

// Config holds the application configuration.
type Config struct {
	Port     int
	API      config.APIConfig
	Profiles map[string]config.Profile
	Jobs     []config.JobConfig
	Sink     Sink
}

// profileRuntime is the shared machinery for every job on one profile.
type profileRuntime struct {
	name      string
	profile   config.Profile
	executor  *retry.Executor
	scheduler *polling.Scheduler[domain.Execution]
}

// Engine is the main application struct managing the poller lifecycle.
type Engine struct {
	cfg          Config
	client       *jobclient.Client
	runtimes     map[string]*profileRuntime
	wrappers     map[domain.JobID]*recovery.Wrapper[domain.Execution]
	healthMon    *health.Monitor
	healthServer *health.Server
	sink         Sink
	log          *slog.Logger

	cancel    context.CancelFunc
	consumers sync.WaitGroup
}

// NewEngine creates an Engine with all dependencies initialized.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if len(cfg.Jobs) == 0 {
		return nil, fmt.Errorf("at least one job is required")
	}

	client := jobclient.NewClient(cfg.API.BaseURL, cfg.API.Timeout,
		jobclient.WithAPIKey(cfg.API.APIKey))

	// One executor and scheduler per distinct profile; jobs sharing a
	// profile share the machinery but never the per-key state.
	runtimes := make(map[string]*profileRuntime)
	for _, job := range cfg.Jobs {
		if _, ok := runtimes[job.Profile]; ok {
			continue
		}
		profile, ok := cfg.Profiles[job.Profile]
		if !ok {
			return nil, fmt.Errorf("job %s references unknown profile %q", job.ID, job.Profile)
		}

		executor, err := retry.NewExecutor(profile.RetrySettings())
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", job.Profile, err)
		}
		scheduler, err := polling.NewScheduler(profile.PollingSettings(), executor, jobclient.ExecutionActivity)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", job.Profile, err)
		}

		runtimes[job.Profile] = &profileRuntime{
			name:      job.Profile,
			profile:   profile,
			executor:  executor,
			scheduler: scheduler,
		}
	}

	healthMon := health.NewMonitor(
		&multiPollStats{runtimes: runtimes},
		&multiBreakerStats{runtimes: runtimes},
	)

	sink := cfg.Sink
	if sink == nil {
		sink = &LogSink{}
	}

	return &Engine{
		cfg:          cfg,
		client:       client,
		runtimes:     runtimes,
		wrappers:     make(map[domain.JobID]*recovery.Wrapper[domain.Execution]),
		healthMon:    healthMon,
		healthServer: health.NewServer(healthMon, cfg.Port),
		sink:         sink,
		log:          slog.Default(),
	}, nil
}

// Start starts the health server and one wrapped polling session per
// configured job. Sessions run until Stop or until ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	go func() {
		if err := e.healthServer.Start(); err != nil {
			e.log.Error("Health server failed", "error", err)
		}
	}()

	for _, job := range e.cfg.Jobs {
		rt := e.runtimes[job.Profile]

		source, err := e.startSession(ctx, job.ID, rt)
		if err != nil {
			return fmt.Errorf("start job %s: %w", job.ID, err)
		}

		wrapper, err := recovery.Wrap(ctx, source, e.recoveryConfig(job.ID, rt))
		if err != nil {
			return fmt.Errorf("wrap job %s: %w", job.ID, err)
		}
		e.wrappers[job.ID] = wrapper
		e.healthMon.Register(wrapper)

		e.consumers.Add(1)
		go e.consume(ctx, job.ID, wrapper)
		e.log.Info("Job started", "job", job.ID, "profile", job.Profile)
	}
	return nil
}

// Stop stops all polling sessions, waits for every buffered event to
// drain into the sink, and shuts down the health server. Tail events
// already emitted by a wrapper are delivered before Stop returns.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine...")

	for _, rt := range e.runtimes {
		rt.scheduler.StopAll()
	}
	if e.cancel != nil {
		e.cancel()
	}

	drained := make(chan struct{})
	go func() {
		e.consumers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("drain sinks: %w", ctx.Err())
	}

	return e.healthServer.Stop(ctx)
}

// Wrapper returns the recovery wrapper for a job, if any.
func (e *Engine) Wrapper(id domain.JobID) (*recovery.Wrapper[domain.Execution], bool) {
	w, ok := e.wrappers[id]
	return w, ok
}

// startSession begins polling one job, bridging scheduler callbacks
// onto a recovery event channel. Sends never block the session: when
// the wrapper is not draining, the stalest event is the one lost.
func (e *Engine) startSession(ctx context.Context, id domain.JobID, rt *profileRuntime) (<-chan recovery.Event[domain.Execution], error) {
	source := make(chan recovery.Event[domain.Execution], sourceBufferSize)

	push := func(ev recovery.Event[domain.Execution]) {
		select {
		case source <- ev:
		default:
			e.log.Debug("event dropped, wrapper not draining", "job", id)
		}
	}

	handler := polling.Handler[domain.Execution]{
		OnValue: func(exec domain.Execution, _ polling.Activity) {
			push(recovery.Event[domain.Execution]{Value: exec})
		},
		OnError: func(f *classify.Failure) {
			push(recovery.Event[domain.Execution]{Err: f})
		},
		IsTerminal: func(exec domain.Execution) bool {
			return exec.Status.Terminal()
		},
		OnTerminal: func(exec domain.Execution) {
			e.log.Info("Job reached terminal status", "job", id, "status", exec.Status)
			close(source)
		},
	}

	if err := rt.scheduler.Start(ctx, id, e.client.Fetch(id), handler); err != nil {
		return nil, err
	}
	return source, nil
}

// recoveryConfig maps a profile's recovery settings onto the wrapper
// config, including the restart hook that re-creates the session.
func (e *Engine) recoveryConfig(id domain.JobID, rt *profileRuntime) recovery.Config[domain.Execution] {
	rc := rt.profile.Recovery
	return recovery.Config[domain.Execution]{
		Strategy:           recovery.Strategy(rc.Strategy),
		MaxReestablish:     rc.MaxReestablish,
		ReestablishDelay:   rc.ReestablishDelay,
		UseLastKnownGood:   rc.UseLastKnownGood,
		BufferCapacity:     rc.BufferCapacity,
		ErrorThreshold:     rc.ErrorThreshold,
		Cooldown:           rc.Cooldown,
		UnhealthyThreshold: rc.UnhealthyThreshold,
		Restart: func(ctx context.Context) (<-chan recovery.Event[domain.Execution], error) {
			rt.scheduler.Stop(id)
			rt.executor.ResetState(string(id))
			return e.startSession(ctx, id, rt)
		},
	}
}

// consume drains a wrapper's resilient sequence into the sink. It runs
// until the value channel closes so that events buffered at shutdown
// still reach the sink.
func (e *Engine) consume(ctx context.Context, id domain.JobID, w *recovery.Wrapper[domain.Execution]) {
	defer e.consumers.Done()

	for ev := range w.Values() {
		e.sink.Emit(ctx, id, ev)
	}
}

// multiPollStats sums polling counters across all profile schedulers.
type multiPollStats struct {
	runtimes map[string]*profileRuntime
}

func (m *multiPollStats) GetAggregateMetrics() polling.AggregateMetrics {
	var agg polling.AggregateMetrics
	for _, rt := range m.runtimes {
		a := rt.scheduler.GetAggregateMetrics()
		agg.ActiveSessions += a.ActiveSessions
		agg.Polls += a.Polls
		agg.Errors += a.Errors
	}
	if agg.Polls > 0 {
		agg.SuccessRate = float64(agg.Polls-agg.Errors) / float64(agg.Polls)
	}
	return agg
}

// multiBreakerStats merges breaker snapshots across profile executors,
// prefixing keys with the profile name.
type multiBreakerStats struct {
	runtimes map[string]*profileRuntime
}

func (m *multiBreakerStats) BreakerSnapshots() map[string]circuit.Snapshot {
	merged := make(map[string]circuit.Snapshot)
	for name, rt := range m.runtimes {
		for key, snap := range rt.executor.BreakerSnapshots() {
			merged[name+"/"+key] = snap
		}
	}
	return merged
}
