package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"binedge/discovery"
	"binedge/protocol"
	"binedge/schedule"
	"binedge/transport"
)

// ErrUnknownNode is returned by ForcePoll for a node the gateway never saw.
var ErrUnknownNode = errors.New("engine: unknown node")

// Source labels for scheduled tasks.
const (
	SourceJoin   = "join"
	SourceUpdate = "update"
	SourceAdmin  = "admin"
)

// HandleJoin schedules an immediate periodic poll for a node announcing
// itself on the bus.
func (e *Engine) HandleJoin(nodeID string) {
	e.nodeSeen(discovery.Node{ID: nodeID, Source: SourceJoin})
	e.schedulePeriodic(nodeID, SourceJoin)
}

// HandleUpdateRequest schedules a forced poll answered on the response topic
// of the id the request arrived on, so a node addressed as "1" hears back on
// bin/1/update/response even though it is polled as its normalized id.
func (e *Engine) HandleUpdateRequest(nodeID, topicID string, replyID int64) {
	e.scheduleForced(nodeID, topicID, replyID, SourceUpdate)
}

// ForcePoll schedules a forced poll for a known node on behalf of an
// operator and returns the generated reply id.
func (e *Engine) ForcePoll(nodeID string) (int64, error) {
	nodeID = protocol.NormalizeBinID(nodeID)
	if !e.isKnown(nodeID) {
		return 0, ErrUnknownNode
	}
	replyID := atomic.AddInt64(&e.replySeq, 1)
	e.scheduleForced(nodeID, "", replyID, SourceAdmin)
	return replyID, nil
}

// ForgetNode stops polling a node and drops everything recorded about it
// except its poll history. Pending tasks for the node are discarded without
// a reply.
func (e *Engine) ForgetNode(nodeID string) error {
	nodeID = protocol.NormalizeBinID(nodeID)
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.nodesMu.Lock()
	_, known := e.known[nodeID]
	delete(e.known, nodeID)
	e.nodesMu.Unlock()
	if !known {
		return ErrUnknownNode
	}

	dropped := e.queue.Remove(nodeID)
	if e.feed != nil {
		e.feed.Forget(nodeID)
	} else if reg, ok := e.transport.(transport.Registry); ok {
		reg.Forget(nodeID)
	}
	if err := e.nodes.Forget(context.Background(), nodeID); err != nil {
		e.logFn("engine: forget node state %s: %v", nodeID, err)
	}
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	e.metrics.NodesKnown.Set(float64(e.KnownNodes()))
	e.logFn("engine: forgot node %s (%d pending tasks dropped)", nodeID, dropped)

	if e.db != nil {
		return e.db.DeleteNode(nodeID)
	}
	return nil
}

func (e *Engine) schedulePeriodic(nodeID, source string) {
	t := schedule.Periodic(nodeID, e.now())
	earliest := e.queue.Upsert(t)
	e.debugFn("schedule: periodic node=%s source=%s earliest=%v", nodeID, source, earliest)
	e.Events.Emit(Event{Type: EventTaskScheduled, Payload: TaskScheduledEvent{Task: t, Earliest: earliest, Source: source}})
}

func (e *Engine) scheduleForced(nodeID, replyTo string, replyID int64, source string) {
	t := schedule.ForcedUpdate(nodeID, e.now(), replyID)
	if replyTo != nodeID {
		t.ReplyTo = replyTo
	}
	earliest := e.queue.Upsert(t)
	e.debugFn("schedule: forced node=%s reply=%d source=%s", nodeID, replyID, source)
	e.Events.Emit(Event{Type: EventTaskScheduled, Payload: TaskScheduledEvent{Task: t, Earliest: earliest, Source: source}})
}

// nodeSeen records a node and emits NodeDiscovered the first time.
func (e *Engine) nodeSeen(n discovery.Node) {
	e.nodesMu.Lock()
	_, known := e.known[n.ID]
	e.known[n.ID] = struct{}{}
	e.nodesMu.Unlock()

	if e.db != nil {
		if _, err := e.db.UpsertNode(n.ID, n.Address, n.Source, e.now()); err != nil {
			e.logFn("engine: record node %s: %v", n.ID, err)
		}
	}
	if !known {
		e.Events.Emit(Event{Type: EventNodeDiscovered, Payload: NodeDiscoveredEvent{Node: n}})
	}
}

func (e *Engine) isKnown(nodeID string) bool {
	e.nodesMu.RLock()
	defer e.nodesMu.RUnlock()
	_, ok := e.known[nodeID]
	return ok
}

// KnownNodes returns how many distinct nodes the engine has seen.
func (e *Engine) KnownNodes() int {
	e.nodesMu.RLock()
	defer e.nodesMu.RUnlock()
	return len(e.known)
}

var _ protocol.EventHandler = (*Engine)(nil)
