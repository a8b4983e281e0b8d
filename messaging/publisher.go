package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"binedge/protocol"
)

// Outbox stores messages that could not be published.
type Outbox interface {
	EnqueueOutbox(topic string, payload []byte, msgType string) (int64, error)
}

// Publisher sends periodic reports and forced-update replies on the bus.
// When the bus is down the message is parked in the outbox for the drainer.
type Publisher struct {
	bus    Bus
	topics protocol.Topics
	outbox Outbox
	onFail func(topic string, err error)
}

// NewPublisher creates a publisher. outbox may be nil.
func NewPublisher(bus Bus, topics protocol.Topics, outbox Outbox) *Publisher {
	return &Publisher{bus: bus, topics: topics, outbox: outbox}
}

// OnFailure registers a callback for every publish the bus rejected,
// whether or not the message was parked afterwards.
func (p *Publisher) OnFailure(fn func(topic string, err error)) {
	p.onFail = fn
}

// Report publishes a periodic measurement.
func (p *Publisher) Report(_ context.Context, m protocol.Measurement) error {
	return p.send(p.topics.MeasurementTopic(m.BinID), "measurement", m)
}

// Reply publishes the correlated answer to a forced update.
func (p *Publisher) Reply(_ context.Context, nodeID string, r protocol.UpdateResponse) error {
	return p.send(p.topics.ResponseTopic(nodeID), "reply", r)
}

func (p *Publisher) send(topic, msgType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	err = p.bus.Publish(topic, data)
	if err == nil {
		return nil
	}
	if p.onFail != nil {
		p.onFail(topic, err)
	}
	if p.outbox == nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if _, qerr := p.outbox.EnqueueOutbox(topic, data, msgType); qerr != nil {
		return fmt.Errorf("publish %s: %w (outbox: %v)", topic, err, qerr)
	}
	log.Printf("messaging: %s queued in outbox: %v", topic, err)
	return nil
}
