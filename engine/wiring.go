package engine

import (
	"context"

	"binedge/poller"
	"binedge/store"
)

// wireEventHandlers sets up the side effects of engine events:
// PollCompleted → history, node state, metrics
// TaskScheduled → queue depth
// NodeDiscovered → known node gauge
func (e *Engine) wireEventHandlers() {
	e.Events.SubscribeTypes(func(evt Event) {
		e.handlePollCompleted(evt.Payload.(PollCompletedEvent))
	}, EventPollCompleted)

	e.Events.SubscribeTypes(func(evt Event) {
		e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	}, EventTaskScheduled)

	e.Events.SubscribeTypes(func(evt Event) {
		e.metrics.NodesKnown.Set(float64(e.KnownNodes()))
	}, EventNodeDiscovered)

	e.Events.SubscribeTypes(func(evt Event) {
		e.metrics.EventsDropped.Inc()
	}, EventMessageDropped)

	e.Events.SubscribeTypes(func(evt Event) {
		e.metrics.UploadBatches.WithLabelValues("failed").Inc()
	}, EventUploadFailed)

	if e.uploader != nil {
		e.uploader.OnSent(func(int) {
			e.metrics.UploadBatches.WithLabelValues("ok").Inc()
		})
	}
	if e.publisher != nil {
		e.publisher.OnFailure(func(topic string, err error) {
			e.metrics.PublishFailure.Inc()
			e.debugFn("engine: publish %s failed: %v", topic, err)
		})
	}
}

func (e *Engine) handlePollCompleted(pc PollCompletedEvent) {
	kind := "periodic"
	if pc.Task.Forced {
		kind = "forced"
	}
	outcome := pc.Outcome.Kind.String()

	e.debugFn("poll: node=%s kind=%s outcome=%s value=%d elapsed=%s", pc.Task.NodeID, kind, outcome, pc.Outcome.Value, pc.Elapsed)

	e.metrics.Polls.WithLabelValues(kind, outcome).Inc()
	e.metrics.PollDuration.Observe(pc.Elapsed.Seconds())
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	if pc.Task.Forced {
		e.metrics.Replies.WithLabelValues(poller.NewReply(pc.Task.ReplyID, pc.Outcome).Status).Inc()
	}

	at := e.now()
	if e.db != nil {
		r := &store.PollResult{
			NodeID:   pc.Task.NodeID,
			Forced:   pc.Task.Forced,
			ReplyID:  pc.Task.ReplyID,
			Outcome:  outcome,
			Value:    pc.Outcome.Value,
			Reason:   pc.Outcome.Reason,
			PolledAt: at,
		}
		if err := e.db.InsertPollResult(r); err != nil {
			e.logFn("engine: record poll %s: %v", pc.Task.NodeID, err)
		}
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	// A node forgotten while its poll was in flight must not come back, and
	// only known nodes keep state.
	if !e.isKnown(pc.Task.NodeID) {
		if !pc.Task.Forced {
			e.queue.Remove(pc.Task.NodeID)
		}
		return
	}

	success := pc.Outcome.Kind == poller.OutcomeSuccess
	if _, err := e.nodes.RecordPoll(context.Background(), pc.Task.NodeID, outcome, success,
		pc.Outcome.Value, pc.Outcome.Reason, at, pc.NextDue); err != nil {
		e.logFn("engine: node state %s: %v", pc.Task.NodeID, err)
	}
}
