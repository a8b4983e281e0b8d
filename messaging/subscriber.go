package messaging

import (
	"fmt"

	"binedge/protocol"
)

// EventSubscriber feeds join and update-request messages into an ingestor.
type EventSubscriber struct {
	bus      Bus
	topics   protocol.Topics
	ingestor *protocol.Ingestor
}

// NewEventSubscriber creates a subscriber that decodes events with ingestor.
func NewEventSubscriber(bus Bus, topics protocol.Topics, ingestor *protocol.Ingestor) *EventSubscriber {
	return &EventSubscriber{bus: bus, topics: topics, ingestor: ingestor}
}

// Start subscribes to the join topic and the update request filter.
func (s *EventSubscriber) Start() error {
	if err := s.bus.Subscribe(s.topics.Join, s.ingestor.HandleRaw); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topics.Join, err)
	}
	filter := s.topics.UpdateFilter()
	if err := s.bus.Subscribe(filter, s.ingestor.HandleRaw); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}
