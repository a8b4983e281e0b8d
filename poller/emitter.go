package poller

import (
	"time"

	"binedge/schedule"
)

// EventEmitter receives poll results. NextDue is zero for forced tasks,
// which are never requeued.
type EventEmitter interface {
	EmitPollCompleted(task schedule.Task, outcome Outcome, nextDue time.Time, elapsed time.Duration)
}
