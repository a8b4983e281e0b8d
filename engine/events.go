package engine

import (
	"time"

	"binedge/discovery"
	"binedge/poller"
	"binedge/schedule"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Poll events
	EventPollCompleted EventType = iota + 1

	// Schedule events
	EventTaskScheduled

	// Node events
	EventNodeDiscovered

	// Bus and upload events
	EventMessageDropped
	EventUploadFailed
)

func (t EventType) String() string {
	switch t {
	case EventPollCompleted:
		return "poll-completed"
	case EventTaskScheduled:
		return "task-scheduled"
	case EventNodeDiscovered:
		return "node-discovered"
	case EventMessageDropped:
		return "message-dropped"
	case EventUploadFailed:
		return "upload-failed"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// PollCompletedEvent is emitted after every exchange with a node.
type PollCompletedEvent struct {
	Task    schedule.Task  `json:"task"`
	Outcome poller.Outcome `json:"outcome"`
	NextDue time.Time      `json:"next_due,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
}

// TaskScheduledEvent is emitted when a producer upserts a task.
type TaskScheduledEvent struct {
	Task     schedule.Task `json:"task"`
	Earliest bool          `json:"earliest"`
	Source   string        `json:"source"`
}

// NodeDiscoveredEvent is emitted the first time a node is seen.
type NodeDiscoveredEvent struct {
	Node discovery.Node `json:"node"`
}

// MessageDroppedEvent is emitted for inbound bus messages that failed to decode.
type MessageDroppedEvent struct {
	Topic string `json:"topic"`
	Error string `json:"error"`
}

// UploadFailedEvent is emitted when a bulk upload batch is dropped.
type UploadFailedEvent struct {
	Error string `json:"error"`
}
