package recovery

import (
	"time"

	"github.com/vietddude/pollwatch/internal/resilience/classify"
)

// HealthStatus is the coarse viability signal of a wrapped sequence,
// distinct from the data values themselves.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthUpdate is pushed on the health channel after every upstream
// event, so a consumer can distinguish "no new data" from "channel
// impaired".
type HealthUpdate struct {
	Status              HealthStatus
	ConsecutiveFailures int
	LastError           *classify.Failure
	At                  time.Time
}

// healthState tracks the wrapper's health. Callers hold the wrapper
// mutex.
type healthState struct {
	status              HealthStatus
	consecutiveFailures int
	lastError           *classify.Failure
}

func newHealthState() healthState {
	return healthState{status: StatusHealthy}
}

// onSuccess resets to healthy immediately.
func (h *healthState) onSuccess() {
	h.status = StatusHealthy
	h.consecutiveFailures = 0
	h.lastError = nil
}

// onFailure moves healthy to degraded on the first error of a run,
// then degraded to unhealthy once the run exceeds threshold. The
// degraded step is never skipped, whatever the threshold.
func (h *healthState) onFailure(f *classify.Failure, unhealthyThreshold int) {
	h.consecutiveFailures++
	h.lastError = f

	if h.status == StatusHealthy {
		h.status = StatusDegraded
		return
	}
	if h.consecutiveFailures > unhealthyThreshold {
		h.status = StatusUnhealthy
	}
}

func (h *healthState) update(at time.Time) HealthUpdate {
	return HealthUpdate{
		Status:              h.status,
		ConsecutiveFailures: h.consecutiveFailures,
		LastError:           h.lastError,
		At:                  at,
	}
}

func (h *healthState) gaugeValue() float64 {
	switch h.status {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}
