package domain

import "time"

type JobID string

type ExecutionStatus string

const (
	StatusNew       ExecutionStatus = "new"
	StatusRunning   ExecutionStatus = "running"
	StatusWaiting   ExecutionStatus = "waiting"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCanceled  ExecutionStatus = "canceled"
	StatusCrashed   ExecutionStatus = "crashed"
)

// Terminal reports whether the execution has reached a final state and
// will never produce further status changes.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusCrashed:
		return true
	}
	return false
}

// Execution is a point-in-time snapshot of a remote workflow execution.
type Execution struct {
	ID         JobID           `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Status     ExecutionStatus `json:"status"`
	Mode       string          `json:"mode"`
	StartedAt  time.Time       `json:"startedAt"`
	StoppedAt  *time.Time      `json:"stoppedAt,omitempty"`
	WaitTill   *time.Time      `json:"waitTill,omitempty"`
	// DataDigest is an opaque fingerprint of the execution's run data,
	// used to detect data-only updates between snapshots.
	DataDigest string `json:"dataDigest,omitempty"`
}

// Waiting reports whether the execution is parked on a wait node.
func (e *Execution) Waiting() bool {
	return e.Status == StatusWaiting || e.WaitTill != nil
}
