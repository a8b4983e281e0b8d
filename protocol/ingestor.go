package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// ErrUnrecognizedEvent is returned for payloads that match no known event shape.
var ErrUnrecognizedEvent = errors.New("protocol: unrecognized event")

// EventKind identifies an inbound event.
type EventKind int

const (
	EventJoin EventKind = iota + 1
	EventUpdateRequest
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "join"
	case EventUpdateRequest:
		return "update_request"
	default:
		return "unknown"
	}
}

// Event is a decoded inbound event.
type Event struct {
	Kind    EventKind
	NodeID  string
	ReplyID int64
	// TopicID is the node id exactly as it appeared in the update topic.
	TopicID string
}

// EventHandler receives decoded events.
type EventHandler interface {
	HandleJoin(nodeID string)
	HandleUpdateRequest(nodeID, topicID string, replyID int64)
}

// Ingestor decodes raw bus messages and dispatches them to an EventHandler.
// A bad message is logged and dropped; it never stops the ingestor.
type Ingestor struct {
	topics  Topics
	handler EventHandler
	onDrop  func(topic string, err error)
}

// NewIngestor creates an ingestor for the given topic layout.
func NewIngestor(topics Topics, handler EventHandler) *Ingestor {
	return &Ingestor{topics: topics, handler: handler}
}

// OnDrop registers a callback for messages that could not be decoded.
func (ing *Ingestor) OnDrop(fn func(topic string, err error)) {
	ing.onDrop = fn
}

// HandleRaw is the entry point for raw messages from the messaging layer.
func (ing *Ingestor) HandleRaw(topic string, payload []byte) {
	evt, err := ing.Decode(topic, payload)
	if err != nil {
		log.Printf("protocol: dropping message on %s: %v", topic, err)
		if ing.onDrop != nil {
			ing.onDrop(topic, err)
		}
		return
	}
	switch evt.Kind {
	case EventJoin:
		ing.handler.HandleJoin(evt.NodeID)
	case EventUpdateRequest:
		ing.handler.HandleUpdateRequest(evt.NodeID, evt.TopicID, evt.ReplyID)
	}
}

// Decode classifies a message by topic, then decodes its payload.
func (ing *Ingestor) Decode(topic string, payload []byte) (Event, error) {
	if topic == ing.topics.Join {
		var p JoinNotice
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("%w: join payload: %v", ErrUnrecognizedEvent, err)
		}
		id := NormalizeBinID(p.BinID)
		if id == "" {
			return Event{}, fmt.Errorf("%w: join without binId", ErrUnrecognizedEvent)
		}
		return Event{Kind: EventJoin, NodeID: id}, nil
	}

	if id, ok := ing.topics.MatchUpdate(topic); ok {
		var p UpdateRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("%w: update payload: %v", ErrUnrecognizedEvent, err)
		}
		if p.ReqID == nil {
			return Event{}, fmt.Errorf("%w: update without reqId", ErrUnrecognizedEvent)
		}
		return Event{Kind: EventUpdateRequest, NodeID: NormalizeBinID(id), ReplyID: *p.ReqID, TopicID: id}, nil
	}

	return Event{}, fmt.Errorf("%w: topic %s", ErrUnrecognizedEvent, topic)
}
