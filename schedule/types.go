package schedule

import (
	"errors"
	"time"
)

// NoReply is the ReplyID of a task that does not expect a correlated reply.
const NoReply int64 = -1

// DefaultIdleWait bounds how long the consumer sleeps when nothing is queued.
const DefaultIdleWait = time.Hour

// ErrEmptyQueue is returned by Pop when no task is pending.
var ErrEmptyQueue = errors.New("schedule: queue is empty")

// Task is one pending unit of poll work for one node.
type Task struct {
	NodeID string    `json:"node_id"`
	DueAt  time.Time `json:"due_at"`
	// Forced marks a task created by an explicit operator request.
	Forced  bool  `json:"forced"`
	ReplyID int64 `json:"reply_id"`
	// ReplyTo is the node id as written on the request topic. Empty means
	// NodeID.
	ReplyTo string `json:"reply_to,omitempty"`
}

// ReplyNode returns the node id the forced reply is addressed to.
func (t Task) ReplyNode() string {
	if t.ReplyTo != "" {
		return t.ReplyTo
	}
	return t.NodeID
}

// Periodic builds a periodic-cycle task for nodeID.
func Periodic(nodeID string, dueAt time.Time) Task {
	return Task{NodeID: nodeID, DueAt: dueAt, ReplyID: NoReply}
}

// ForcedUpdate returns a one-shot task that expects a reply correlated by replyID.
func ForcedUpdate(nodeID string, dueAt time.Time, replyID int64) Task {
	return Task{NodeID: nodeID, DueAt: dueAt, Forced: true, ReplyID: replyID}
}

// slotKey identifies the queue slot a task occupies. A node has one periodic
// slot and one forced slot, so an operator request never cancels the
// node's periodic cycle.
type slotKey struct {
	nodeID string
	forced bool
}

func (t Task) key() slotKey { return slotKey{nodeID: t.NodeID, forced: t.Forced} }
