// Package poller is the single consumer of the schedule: it waits for the
// earliest due task, polls that node, classifies the answer, reports it and
// reschedules the node.
package poller

import (
	"context"
	"fmt"
	"log"
	"time"

	"binedge/protocol"
	"binedge/schedule"
	"binedge/transport"
)

// Queue is the part of the schedule the poller consumes.
type Queue interface {
	Next(ctx context.Context) (schedule.Task, error)
	Upsert(t schedule.Task) bool
}

// Config holds the parameters needed to create a Poller.
type Config struct {
	Queue      Queue
	Transport  transport.Transport
	Classifier Classifier
	Reports    ReportSink
	Replies    ReplySink
	Emitter    EventEmitter

	Command        byte
	RequestTimeout time.Duration
	UpdateInterval time.Duration
	RetryInterval  time.Duration

	Now      func() time.Time
	DebugLog func(format string, args ...interface{})
}

// Poller dispatches due tasks one at a time.
type Poller struct {
	cfg   Config
	now   func() time.Time
	debug func(format string, args ...interface{})
}

// New creates a Poller.
func New(c Config) *Poller {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	debug := c.DebugLog
	if debug == nil {
		debug = func(string, ...interface{}) {}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 50 * time.Second
	}
	return &Poller{cfg: c, now: now, debug: debug}
}

// Run consumes tasks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		task, err := p.cfg.Queue.Next(ctx)
		if err != nil {
			return err
		}
		p.Poll(ctx, task)
	}
}

// Poll performs one exchange for task, emits the result and requeues the
// node when the task is periodic.
func (p *Poller) Poll(ctx context.Context, task schedule.Task) Outcome {
	started := p.now()
	raw, err := p.request(ctx, task.NodeID)
	if err != nil {
		log.Printf("poller: request %s: %v", task.NodeID, err)
	}
	outcome := p.cfg.Classifier.Classify(raw, err)
	now := p.now()
	elapsed := now.Sub(started)

	p.debug("poller: node=%s forced=%v outcome=%s value=%d", task.NodeID, task.Forced, outcome.Kind, outcome.Value)

	if task.Forced {
		reply := NewReply(task.ReplyID, outcome)
		if p.cfg.Replies != nil {
			if err := p.cfg.Replies.Reply(ctx, task.ReplyNode(), reply); err != nil {
				log.Printf("poller: reply %d for %s: %v", task.ReplyID, task.NodeID, err)
			}
		}
		p.emit(task, outcome, time.Time{}, elapsed)
		return outcome
	}

	if p.cfg.Reports != nil {
		m := protocol.NewMeasurement(task.NodeID, now, outcome.Value)
		if err := p.cfg.Reports.Report(ctx, m); err != nil {
			log.Printf("poller: report %s: %v", task.NodeID, err)
		}
	}

	next := now.Add(p.cfg.RetryInterval)
	if outcome.Kind == OutcomeSuccess {
		next = now.Add(p.cfg.UpdateInterval)
	}
	p.cfg.Queue.Upsert(schedule.Periodic(task.NodeID, next))
	p.emit(task, outcome, next, elapsed)
	return outcome
}

// request runs the exchange under the request timeout. A panicking
// transport is turned into an error so the loop keeps running.
func (p *Poller) request(ctx context.Context, nodeID string) (v byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return p.cfg.Transport.Request(ctx, nodeID, p.cfg.Command)
}

func (p *Poller) emit(task schedule.Task, outcome Outcome, next time.Time, elapsed time.Duration) {
	if p.cfg.Emitter != nil {
		p.cfg.Emitter.EmitPollCompleted(task, outcome, next, elapsed)
	}
}
