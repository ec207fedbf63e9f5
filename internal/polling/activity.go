// Package polling drives repeated invocation of a caller-supplied
// status fetch through the retry executor, adapting the inter-poll
// interval from observed activity.
package polling

// Activity classifies what changed between two successive status
// observations. The classification itself is supplied by the caller;
// the scheduler only reacts to it.
type Activity string

const (
	ActivityStatusChanged Activity = "status_changed"
	ActivityDataUpdated   Activity = "data_updated"
	ActivityWaitTriggered Activity = "wait_triggered"
	ActivityNoChange      Activity = "no_change"
	ActivityErrored       Activity = "errored"
)

// fresh reports whether the activity warrants tight polling again.
func (a Activity) fresh() bool {
	switch a {
	case ActivityStatusChanged, ActivityDataUpdated, ActivityWaitTriggered:
		return true
	}
	return false
}

// ActivityFunc compares two successive snapshots. It is only invoked
// once a previous snapshot exists; the first observation always counts
// as status_changed.
type ActivityFunc[T any] func(prev, next T) Activity
