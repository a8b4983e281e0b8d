package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"binedge/config"
	"binedge/discovery"
	"binedge/messaging"
	"binedge/metrics"
	"binedge/nodestate"
	"binedge/poller"
	"binedge/protocol"
	"binedge/schedule"
	"binedge/store"
	"binedge/transport"
	"binedge/upload"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Engine owns the schedule and wires producers, the poller and the sinks.
type Engine struct {
	cfg     *config.Config
	db      *store.DB
	logFn   LogFunc
	debugFn LogFunc
	now     func() time.Time

	topics    protocol.Topics
	queue     *schedule.Queue
	transport transport.Transport
	poller    *poller.Poller
	feed      *discovery.Feed
	bus       messaging.Bus
	publisher *messaging.Publisher
	uploader  *upload.Uploader
	nodes     *nodestate.Manager
	metrics   *metrics.Metrics

	nodesMu  sync.RWMutex
	known    map[string]struct{}
	replySeq int64
	// stateMu orders ForgetNode against node state writes from completed polls.
	stateMu sync.Mutex

	Events *EventBus

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig *config.Config
	DB        *store.DB
	// Bus carries events in and reports out. Without it the gateway only
	// uploads over HTTP.
	Bus       messaging.Bus
	Transport transport.Transport
	NodeState nodestate.Store
	Metrics   *metrics.Metrics
	LogFunc   LogFunc
	Debug     bool
	Now       func() time.Time
}

// New creates a new Engine. Call Start() to initialize and wire subsystems.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	debugFn := LogFunc(func(string, ...interface{}) {})
	if c.Debug {
		debugFn = logFn
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	ns := c.NodeState
	if ns == nil {
		ns = nodestate.NewMemoryStore()
	}
	m := c.Metrics
	if m == nil {
		m = metrics.New()
	}
	cfg := c.AppConfig
	return &Engine{
		cfg:       cfg,
		db:        c.DB,
		logFn:     logFn,
		debugFn:   debugFn,
		now:       now,
		topics:    TopicsFromConfig(cfg),
		queue:     schedule.New(schedule.Config{IdleWait: cfg.Schedule.IdleWait, Now: now}),
		transport: c.Transport,
		bus:       c.Bus,
		nodes:     nodestate.NewManager(ns),
		metrics:   m,
		known:     make(map[string]struct{}),
		replySeq:  now().UnixMilli(),
		Events:    NewEventBus(),
	}
}

// TopicsFromConfig builds the protocol topic layout from configuration.
func TopicsFromConfig(cfg *config.Config) protocol.Topics {
	t := cfg.Messaging.Topics
	return protocol.Topics{
		Measurement: t.Measurement,
		Update:      t.Update,
		Response:    t.Response,
		Join:        t.Join,
		Status:      t.Status,
	}
}

// Start creates all subsystems, wires event handlers, and starts the poller
// and the discovery feed.
func (e *Engine) Start() {
	if e.transport == nil {
		e.transport = newTransport(e.cfg)
	}

	var reports []poller.ReportSink
	var replies poller.ReplySink
	if e.bus != nil {
		var outbox messaging.Outbox
		if e.db != nil {
			outbox = e.db
		}
		e.publisher = messaging.NewPublisher(e.bus, e.topics, outbox)
		reports = append(reports, e.publisher)
		replies = e.publisher
	}
	if e.cfg.Upload.Enabled {
		client := upload.NewClient(e.cfg.Upload.Endpoint, e.cfg.Upload.Timeout)
		e.uploader = upload.NewUploader(client, e.cfg.Upload.Interval, func(err error) {
			e.Events.Emit(Event{Type: EventUploadFailed, Payload: UploadFailedEvent{Error: err.Error()}})
		})
		reports = append(reports, e.uploader)
	}

	pc := e.cfg.Poller
	e.poller = poller.New(poller.Config{
		Queue:     e.queue,
		Transport: e.transport,
		Classifier: poller.Classifier{
			MinValue:      pc.Classifier.MinValue,
			FailureValues: pc.Classifier.FailureValues,
			TimeoutValues: pc.Classifier.TimeoutValues,
		},
		Reports:           poller.ReportSinks(reports...),
		Replies:           replies,
		Emitter:           &pollEmitter{bus: e.Events},
		Command:           e.cfg.Transport.MeasurementRequest,
		RequestTimeout:    pc.RequestTimeout,
		UpdateInterval:    e.cfg.Schedule.UpdateInterval,
		RetryInterval:     e.cfg.Schedule.RetryInterval,
		Now:               e.now,
		DebugLog:          e.debugFn,
	})

	e.wireEventHandlers()

	if e.bus != nil {
		sub := messaging.NewEventSubscriber(e.bus, e.topics, e.Ingestor())
		if err := sub.Start(); err != nil {
			e.logFn("engine: event subscriber: %v", err)
		} else {
			e.logFn("engine: listening for events on %s and %s", e.topics.Join, e.topics.UpdateFilter())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("engine: poller stopped: %v", err)
		}
	}()

	if e.db != nil && e.cfg.HistoryRetention > 0 {
		e.wg.Add(1)
		go e.pruneLoop(ctx)
	}

	if e.uploader != nil {
		e.uploader.Start()
	}

	e.feed = discovery.NewFeed(e.discoveryConfig())
	e.feed.Start()

	e.logFn("Engine started: gateway=%s transport=%s nodes=%d", e.cfg.ResolvedGatewayID(), e.cfg.Transport.Backend, e.KnownNodes())
}

func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	e.PruneHistory()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PruneHistory()
		}
	}
}

// PruneHistory deletes poll results older than the configured retention.
func (e *Engine) PruneHistory() int64 {
	if e.db == nil || e.cfg.HistoryRetention <= 0 {
		return 0
	}
	n, err := e.db.PurgePollResults(e.now().Add(-e.cfg.HistoryRetention))
	if err != nil {
		e.logFn("engine: prune history: %v", err)
		return 0
	}
	if n > 0 {
		e.debugFn("engine: pruned %d poll results", n)
	}
	return n
}

func newTransport(cfg *config.Config) transport.Transport {
	if cfg.Transport.Backend == "sim" {
		s := cfg.Transport.Sim
		// The simulator reports the highest configured failure sentinel.
		fv := 0
		for v := range cfg.Poller.Classifier.FailureValues {
			fv = max(fv, v)
		}
		return transport.NewSim(transport.SimConfig{
			MinValue:     s.MinValue,
			MaxValue:     s.MaxValue,
			FailureRate:  s.FailureRate,
			TimeoutRate:  s.TimeoutRate,
			FailureValue: byte(fv),
			Seed:         uint64(time.Now().UnixNano()),
		})
	}
	return transport.NewSocket(cfg.Transport.DialTimeout)
}

func (e *Engine) discoveryConfig() discovery.Config {
	dc := e.cfg.Discovery
	static := make([]discovery.Node, 0, len(dc.Static))
	for _, n := range dc.Static {
		static = append(static, discovery.Node{ID: n.ID, Address: n.Address})
	}
	// Nodes learned in earlier runs are scheduled again on startup.
	if e.db != nil {
		stored, err := e.db.ListNodes()
		if err != nil {
			e.logFn("engine: load known nodes: %v", err)
		}
		for _, n := range stored {
			static = append(static, discovery.Node{ID: n.ID, Address: n.Address})
		}
	}

	c := discovery.Config{
		Static:      static,
		RegistryURL: dc.RegistryURL,
		NameFilter:  dc.NameFilter,
		Interval:    dc.Interval,
		Sink:        &discoverySink{eng: e},
	}
	if reg, ok := e.transport.(transport.Registry); ok {
		c.Registry = reg
	}
	if sock, ok := e.transport.(*transport.Socket); ok {
		nameReq := e.cfg.Transport.NameRequest
		c.Identifier = discovery.IdentifyFunc(func(ctx context.Context, address string) (string, error) {
			return sock.Identify(ctx, address, nameReq)
		})
	}
	return c
}

// Ingestor returns a decoder feeding bus events into the schedule.
func (e *Engine) Ingestor() *protocol.Ingestor {
	ing := protocol.NewIngestor(e.topics, e)
	ing.OnDrop(func(topic string, err error) {
		e.Events.Emit(Event{Type: EventMessageDropped, Payload: MessageDroppedEvent{Topic: topic, Error: err.Error()}})
	})
	return ing
}

// Stop shuts down all subsystems. Pending tasks are discarded.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.feed != nil {
			e.feed.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		if e.uploader != nil {
			e.uploader.Stop()
		}
		if sock, ok := e.transport.(*transport.Socket); ok {
			sock.Close()
		}
		e.logFn("Engine stopped")
	})
}

// DB returns the database handle.
func (e *Engine) DB() *store.DB { return e.db }

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }

// Queue returns the task schedule.
func (e *Engine) Queue() *schedule.Queue { return e.queue }

// Topics returns the bus topic layout.
func (e *Engine) Topics() protocol.Topics { return e.topics }

// NodeStates returns the node state manager.
func (e *Engine) NodeStates() *nodestate.Manager { return e.nodes }

// Metrics returns the Prometheus collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Discovery returns the discovery feed, nil before Start.
func (e *Engine) Discovery() *discovery.Feed { return e.feed }

// BusConnected reports whether the messaging backend is reachable.
func (e *Engine) BusConnected() bool {
	return e.bus != nil && e.bus.IsConnected()
}
