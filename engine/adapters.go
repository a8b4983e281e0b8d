package engine

import (
	"time"

	"binedge/discovery"
	"binedge/poller"
	"binedge/schedule"
)

// pollEmitter adapts the engine's EventBus to the poller.EventEmitter interface.
type pollEmitter struct {
	bus *EventBus
}

func (e *pollEmitter) EmitPollCompleted(task schedule.Task, outcome poller.Outcome, next time.Time, elapsed time.Duration) {
	e.bus.Emit(Event{Type: EventPollCompleted, Payload: PollCompletedEvent{
		Task: task, Outcome: outcome, NextDue: next, Elapsed: elapsed,
	}})
}

// discoverySink adapts the engine to the discovery.Sink interface.
type discoverySink struct {
	eng *Engine
}

func (s *discoverySink) Discovered(n discovery.Node) {
	s.eng.nodeSeen(n)
	s.eng.schedulePeriodic(n.ID, n.Source)
}
