package messaging

import (
	"log"
	"sync"
	"time"

	"binedge/store"
)

const outboxBatch = 50

// OutboxStore is the persistence the drainer works against.
type OutboxStore interface {
	ListPendingOutbox(limit int) ([]store.OutboxMessage, error)
	AckOutbox(id int64) error
	IncrementOutboxRetries(id int64) error
	PurgeSentOutbox(cutoff time.Time) (int64, error)
}

const outboxPurgeInterval = time.Hour

// OutboxDrainer periodically re-sends parked messages to their topics.
type OutboxDrainer struct {
	db       OutboxStore
	bus      Bus
	interval  time.Duration
	retention time.Duration
	onResent  func(n int)
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewOutboxDrainer creates a new outbox drainer. Delivered messages older
// than retention are purged hourly; zero keeps them forever.
func NewOutboxDrainer(db OutboxStore, bus Bus, interval, retention time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxDrainer{
		db:        db,
		bus:       bus,
		interval:  interval,
		retention: retention,
		stopChan:  make(chan struct{}),
	}
}

// OnResent registers a callback invoked after each tick that delivered
// parked messages.
func (d *OutboxDrainer) OnResent(fn func(n int)) {
	d.onResent = fn
}

// Start begins the outbox drain loop.
func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

// Stop stops the outbox drain loop.
func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	purge := time.NewTicker(outboxPurgeInterval)
	defer purge.Stop()

	d.Purge(time.Now())
	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			if n := d.Drain(); n > 0 && d.onResent != nil {
				d.onResent(n)
			}
		case now := <-purge.C:
			d.Purge(now)
		}
	}
}

// Purge removes messages delivered more than the retention before now.
func (d *OutboxDrainer) Purge(now time.Time) int64 {
	if d.retention <= 0 {
		return 0
	}
	n, err := d.db.PurgeSentOutbox(now.Add(-d.retention))
	if err != nil {
		log.Printf("messaging: purge outbox: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("messaging: purged %d delivered outbox messages", n)
	}
	return n
}

// Drain sends one batch of pending messages and returns how many went out.
func (d *OutboxDrainer) Drain() int {
	if !d.bus.IsConnected() {
		return 0
	}

	msgs, err := d.db.ListPendingOutbox(outboxBatch)
	if err != nil {
		log.Printf("messaging: list pending outbox: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := d.bus.Publish(msg.Topic, msg.Payload); err != nil {
			log.Printf("messaging: publish outbox msg %d: %v", msg.ID, err)
			d.db.IncrementOutboxRetries(msg.ID)
			continue
		}
		if err := d.db.AckOutbox(msg.ID); err != nil {
			log.Printf("messaging: ack outbox msg %d: %v", msg.ID, err)
			continue
		}
		sent++
	}
	return sent
}
