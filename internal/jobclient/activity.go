package jobclient

import (
	"github.com/vietddude/pollwatch/internal/core/domain"
	"github.com/vietddude/pollwatch/internal/polling"
)

// ExecutionActivity classifies the transition between two execution
// snapshots. Status transitions dominate; a wait-node entry or a data
// fingerprint change count as activity even when the status is stable.
func ExecutionActivity(prev, next domain.Execution) polling.Activity {
	if prev.Status != next.Status {
		return polling.ActivityStatusChanged
	}
	if waitChanged(prev, next) {
		return polling.ActivityWaitTriggered
	}
	if prev.DataDigest != next.DataDigest {
		return polling.ActivityDataUpdated
	}
	return polling.ActivityNoChange
}

func waitChanged(prev, next domain.Execution) bool {
	if (prev.WaitTill == nil) != (next.WaitTill == nil) {
		return true
	}
	if prev.WaitTill != nil && next.WaitTill != nil {
		return !prev.WaitTill.Equal(*next.WaitTill)
	}
	return false
}
