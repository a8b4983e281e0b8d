// Package discovery finds sensor nodes and hands each new one to the
// scheduler exactly once.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"binedge/protocol"
	"binedge/transport"
)

// Node is a sensor node learned from a discovery source.
type Node struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Source  string `json:"source"`
}

// Sources.
const (
	SourceStatic   = "static"
	SourceRegistry = "registry"
)

// Sink receives nodes the feed has not reported before.
type Sink interface {
	Discovered(n Node)
}

// Identifier resolves a node id by asking the node itself.
type Identifier interface {
	Identify(ctx context.Context, address string) (string, error)
}

// IdentifyFunc adapts a function to Identifier.
type IdentifyFunc func(ctx context.Context, address string) (string, error)

func (f IdentifyFunc) Identify(ctx context.Context, address string) (string, error) {
	return f(ctx, address)
}

// Config holds the parameters needed to create a Feed.
type Config struct {
	Static      []Node
	RegistryURL string
	// NameFilter keeps only registry entries whose name contains it.
	NameFilter string
	Interval   time.Duration
	Identifier Identifier
	// Registry learns each node's address so the transport can reach it.
	Registry transport.Registry
	Sink     Sink
}

// Feed merges a static node list with a polled HTTP registry.
type Feed struct {
	cfg    Config
	client http.Client

	mu        sync.Mutex
	seen      map[string]bool
	ids       map[string]string // address -> identified id
	connected bool
	lastErr   error

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFeed creates a discovery feed.
func NewFeed(cfg Config) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Feed{
		cfg:      cfg,
		client:   http.Client{Timeout: 10 * time.Second},
		seen:     make(map[string]bool),
		ids:      make(map[string]string),
		stopChan: make(chan struct{}),
	}
}

// Start delivers the static nodes and, when a registry is configured, begins
// polling it.
func (f *Feed) Start() {
	for _, n := range f.cfg.Static {
		n.Source = SourceStatic
		f.offer(n)
	}
	if f.cfg.RegistryURL == "" {
		return
	}
	f.wg.Add(1)
	go f.pollLoop()
}

// Stop halts the registry poller.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}

// Known returns how many distinct nodes have been delivered.
func (f *Feed) Known() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Forget drops a node so a later sighting is delivered again.
func (f *Feed) Forget(nodeID string) {
	nodeID = protocol.NormalizeBinID(nodeID)
	if f.cfg.Registry != nil {
		f.cfg.Registry.Forget(nodeID)
	}
	f.mu.Lock()
	delete(f.seen, nodeID)
	for addr, id := range f.ids {
		if id == nodeID {
			delete(f.ids, addr)
		}
	}
	f.mu.Unlock()
}

// Connected reports whether the last registry poll succeeded.
func (f *Feed) Connected() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.lastErr
}

func (f *Feed) pollLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	// Do an immediate first poll
	f.Poll(context.Background())

	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.Poll(context.Background())
		}
	}
}

// Poll fetches the registry once and offers every matching entry.
func (f *Feed) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	entries, err := f.fetch(ctx)
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = err == nil
	f.lastErr = err
	f.mu.Unlock()
	if err != nil {
		if wasConnected {
			log.Printf("discovery: registry lost: %v", err)
		}
		return err
	}
	if !wasConnected {
		log.Printf("discovery: registry connected: %s", f.cfg.RegistryURL)
	}

	for _, e := range entries {
		if f.cfg.NameFilter != "" && !strings.Contains(e.Name, f.cfg.NameFilter) {
			continue
		}
		e.Source = SourceRegistry
		if e.ID == "" {
			if f.cfg.Identifier == nil || e.Address == "" {
				continue
			}
			id, err := f.identify(ctx, e.Address)
			if err != nil {
				log.Printf("discovery: identify %s: %v", e.Address, err)
				continue
			}
			e.ID = id
		}
		f.offer(e)
	}
	return nil
}

// identify asks the node at address for its id once and remembers the answer
// until the node is forgotten.
func (f *Feed) identify(ctx context.Context, address string) (string, error) {
	f.mu.Lock()
	id, ok := f.ids[address]
	f.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := f.cfg.Identifier.Identify(ctx, address)
	if err != nil {
		return "", err
	}
	id = protocol.NormalizeBinID(id)
	if id == "" {
		return "", fmt.Errorf("node at %s reported an empty id", address)
	}
	f.mu.Lock()
	f.ids[address] = id
	f.mu.Unlock()
	return id, nil
}

func (f *Feed) fetch(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.RegistryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	var nodes []Node
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return nodes, nil
}

// offer registers the node's address and passes it on if it is new.
func (f *Feed) offer(n Node) {
	n.ID = protocol.NormalizeBinID(n.ID)
	if n.ID == "" {
		return
	}
	if f.cfg.Registry != nil && n.Address != "" {
		f.cfg.Registry.Register(n.ID, n.Address)
	}

	f.mu.Lock()
	isNew := !f.seen[n.ID]
	f.seen[n.ID] = true
	f.mu.Unlock()

	if isNew && f.cfg.Sink != nil {
		f.cfg.Sink.Discovered(n)
	}
}
