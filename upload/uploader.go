package upload

import (
	"context"
	"log"
	"sync"
	"time"

	"binedge/protocol"
)

// Uploader accumulates the latest report per node and posts the batch to the
// server on an interval. Follows the Heartbeater pattern.
type Uploader struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration
	onError  func(err error)
	onSent   func(n int)

	mu      sync.Mutex
	pending map[string]protocol.Measurement

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewUploader creates an uploader. onError is called for every failed
// batch and may be nil.
func NewUploader(client *Client, interval time.Duration, onError func(error)) *Uploader {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Uploader{
		client:   client,
		interval: interval,
		timeout:  30 * time.Second,
		onError:  onError,
		pending:  make(map[string]protocol.Measurement),
		stopCh:   make(chan struct{}),
	}
}

// Report adds a measurement to the pending batch. A newer report for the
// same node replaces the older one.
func (u *Uploader) Report(_ context.Context, m protocol.Measurement) error {
	u.mu.Lock()
	u.pending[m.BinID] = m
	u.mu.Unlock()
	return nil
}

// OnSent registers a callback invoked with the size of each delivered batch.
func (u *Uploader) OnSent(fn func(n int)) {
	u.onSent = fn
}

// Pending returns the number of nodes waiting to be uploaded.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// Start begins the periodic flush loop.
func (u *Uploader) Start() {
	u.wg.Add(1)
	go u.loop()
}

// Stop flushes any remaining reports and halts the loop.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
		u.wg.Wait()
		u.Flush(context.Background())
	})
}

func (u *Uploader) loop() {
	defer u.wg.Done()
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			u.Flush(context.Background())
		}
	}
}

// Flush posts the pending batch. A failed batch is logged and dropped; the
// next interval starts from fresh readings.
func (u *Uploader) Flush(ctx context.Context) error {
	u.mu.Lock()
	if len(u.pending) == 0 {
		u.mu.Unlock()
		return nil
	}
	// Swap out the batch
	batch := u.pending
	u.pending = make(map[string]protocol.Measurement)
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	if _, err := u.client.BulkMeasurements(ctx, batch); err != nil {
		log.Printf("upload: dropped batch of %d: %v", len(batch), err)
		u.onError(err)
		return err
	}
	log.Printf("upload: sent %d measurements", len(batch))
	if u.onSent != nil {
		u.onSent(len(batch))
	}
	return nil
}
