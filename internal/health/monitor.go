package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/pollwatch/internal/polling"
	"github.com/vietddude/pollwatch/internal/polling/recovery"
	"github.com/vietddude/pollwatch/internal/resilience/circuit"
)

// PollStats exposes scheduler-wide polling counters.
type PollStats interface {
	GetAggregateMetrics() polling.AggregateMetrics
}

// BreakerStats exposes the state of every known circuit breaker.
type BreakerStats interface {
	BreakerSnapshots() map[string]circuit.Snapshot
}

// WrapperProbe exposes one recovery wrapper's health signal.
type WrapperProbe interface {
	ID() string
	CurrentHealth() recovery.HealthUpdate
}

// Monitor aggregates health status from the engine's components.
type Monitor struct {
	polls    PollStats
	breakers BreakerStats

	mu         sync.Mutex
	wrappers   []WrapperProbe
	lastCheck  time.Time
	lastReport Report
	hasReport  bool

	// checkInterval rate-limits recomputation so frequent probes do
	// not hammer component locks.
	checkInterval time.Duration
	nowFn         func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithCheckInterval overrides the report cache window.
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.checkInterval = d }
}

// WithMonitorClock overrides the monitor clock, primarily for tests.
func WithMonitorClock(f func() time.Time) MonitorOption {
	return func(m *Monitor) { m.nowFn = f }
}

// NewMonitor creates a health monitor over the given stat sources.
// Either source may be nil when that subsystem is not in use.
func NewMonitor(polls PollStats, breakers BreakerStats, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		polls:         polls,
		breakers:      breakers,
		checkInterval: 10 * time.Second,
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a recovery wrapper to the report.
func (m *Monitor) Register(w WrapperProbe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wrappers = append(m.wrappers, w)
}

// CheckHealth builds the engine health report, reusing the previous
// one inside the cache window.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if m.hasReport && now.Sub(m.lastCheck) < m.checkInterval {
		return m.lastReport
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Breakers:     make(map[string]BreakerHealth),
		Wrappers:     make(map[string]WrapperHealth),
	}

	if m.polls != nil {
		agg := m.polls.GetAggregateMetrics()
		report.Polling = PollingHealth{
			ActiveSessions: agg.ActiveSessions,
			Polls:          agg.Polls,
			Errors:         agg.Errors,
			SuccessRate:    agg.SuccessRate,
		}
		if agg.Polls > 0 {
			if agg.SuccessRate < 0.5 {
				report.SystemStatus = StatusCritical
			} else if agg.Errors > 0 {
				report.SystemStatus = StatusDegraded
			}
		}
	}

	if m.breakers != nil {
		for key, snap := range m.breakers.BreakerSnapshots() {
			report.Breakers[key] = BreakerHealth{
				Phase:               string(snap.Phase),
				ConsecutiveFailures: snap.ConsecutiveFailures,
			}
			switch snap.Phase {
			case circuit.PhaseOpen:
				report.SystemStatus = StatusCritical
			case circuit.PhaseHalfOpen:
				report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
			}
		}
	}

	for _, w := range m.wrappers {
		h := w.CurrentHealth()
		wh := WrapperHealth{
			Status:              string(h.Status),
			ConsecutiveFailures: h.ConsecutiveFailures,
		}
		if h.LastError != nil {
			wh.LastError = h.LastError.Error()
		}
		report.Wrappers[w.ID()] = wh

		switch h.Status {
		case recovery.StatusUnhealthy:
			report.SystemStatus = StatusCritical
		case recovery.StatusDegraded:
			report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
		}
	}

	m.lastCheck = now
	m.lastReport = report
	m.hasReport = true
	return report
}

// worse keeps the more severe of two statuses; critical always wins.
func worse(a, b SystemStatus) SystemStatus {
	if a == StatusCritical || b == StatusCritical {
		return StatusCritical
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
