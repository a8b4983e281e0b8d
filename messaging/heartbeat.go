package messaging

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"binedge/protocol"

	"github.com/google/uuid"
)

// Heartbeater publishes the gateway status on startup and periodically.
type Heartbeater struct {
	bus       Bus
	gatewayID string
	instance  string
	topic     string
	interval  time.Duration
	pending   func() int
	startTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHeartbeater creates a heartbeater. pending reports the schedule depth
// and may be nil.
func NewHeartbeater(bus Bus, gatewayID string, topics protocol.Topics, interval time.Duration, pending func() int) *Heartbeater {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if pending == nil {
		pending = func() int { return 0 }
	}
	return &Heartbeater{
		bus:       bus,
		gatewayID: gatewayID,
		instance:  uuid.NewString(),
		topic:     topics.StatusTopic(gatewayID),
		interval:  interval,
		pending:   pending,
		stopCh:    make(chan struct{}),
	}
}

// Instance is the random id of this gateway process.
func (h *Heartbeater) Instance() string { return h.instance }

// Start sends an initial status and begins the heartbeat loop.
func (h *Heartbeater) Start() {
	h.startTime = time.Now()
	if err := h.send(); err != nil {
		log.Printf("heartbeater: send initial status: %v", err)
	} else {
		log.Printf("heartbeater: announced gateway %s (instance=%s)", h.gatewayID, h.instance)
	}
	go h.loop()
}

// Stop halts the heartbeat loop.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Status builds the current status message.
func (h *Heartbeater) Status() protocol.GatewayStatus {
	return protocol.GatewayStatus{
		GatewayID: h.gatewayID,
		Instance:  h.instance,
		Uptime:    int64(time.Since(h.startTime).Seconds()),
		Pending:   h.pending(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (h *Heartbeater) send() error {
	data, err := json.Marshal(h.Status())
	if err != nil {
		return err
	}
	return h.bus.Publish(h.topic, data)
}

func (h *Heartbeater) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.send(); err != nil {
				log.Printf("heartbeater: send status: %v", err)
			}
		}
	}
}
