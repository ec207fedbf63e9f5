// Package health aggregates poller, breaker, and recovery state into
// an operational status report served over HTTP.
package health

// SystemStatus is the overall health of the engine or one component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PollingHealth summarizes scheduler-wide polling outcomes.
type PollingHealth struct {
	ActiveSessions int     `json:"active_sessions"`
	Polls          uint64  `json:"polls"`
	Errors         uint64  `json:"errors"`
	SuccessRate    float64 `json:"success_rate"`
}

// BreakerHealth is the externally visible state of one circuit breaker.
type BreakerHealth struct {
	Phase               string `json:"phase"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// WrapperHealth is the health signal of one recovery wrapper.
type WrapperHealth struct {
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// Report is the full engine health report.
type Report struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Polling      PollingHealth            `json:"polling"`
	Breakers     map[string]BreakerHealth `json:"breakers"`
	Wrappers     map[string]WrapperHealth `json:"wrappers"`
}
