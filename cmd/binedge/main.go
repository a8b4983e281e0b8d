package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binedge/config"
	"binedge/engine"
	"binedge/messaging"
	"binedge/metrics"
	"binedge/nodestate"
	"binedge/store"
	"binedge/www"

	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "binedge.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *port > 0 {
		cfg.Web.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	gatewayID := cfg.ResolvedGatewayID()

	// Open database
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	m := metrics.New()

	// Node state: Redis when enabled, otherwise in process
	var states nodestate.Store = nodestate.NewMemoryStore()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rs := nodestate.NewRedisStore(rdb)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(ctx)
		cancel()
		if err != nil {
			log.Printf("redis %s: %v (using in-memory node state)", cfg.Redis.Addr, err)
		} else {
			states = rs
			log.Printf("node state shared via redis %s", cfg.Redis.Addr)
		}
	}

	// Each gateway needs its own client id and consumer group
	if cfg.Messaging.MQTT.ClientID == "" {
		cfg.Messaging.MQTT.ClientID = "binedge-" + gatewayID
	}
	if cfg.Messaging.Kafka.GroupID == "" {
		cfg.Messaging.Kafka.GroupID = "binedge-" + gatewayID
	}

	// Set up messaging
	msgClient := messaging.NewClient(&cfg.Messaging)
	defer msgClient.Close()
	if err := msgClient.Connect(); err != nil {
		log.Printf("messaging connect: %v (reports go to the outbox)", err)
	}

	// Create and start engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		DB:         db,
		Bus:        msgClient,
		NodeState:  states,
		Metrics:    m,
		LogFunc:    log.Printf,
		Debug:      *debug,
	})
	eng.Start()
	defer eng.Stop()

	// Outbox drainer re-sends reports parked while the bus was down
	drainer := messaging.NewOutboxDrainer(db, msgClient, cfg.Messaging.OutboxDrainInterval, cfg.Messaging.OutboxRetention)
	drainer.OnResent(func(n int) {
		m.OutboxResent.Add(float64(n))
	})
	drainer.Start()
	defer drainer.Stop()

	// Heartbeater publishes gateway status
	hb := messaging.NewHeartbeater(msgClient, gatewayID, eng.Topics(), cfg.Messaging.HeartbeatInterval, eng.Queue().Len)
	hb.Start()
	defer hb.Stop()

	// Set up HTTP server
	router, stopWeb := www.NewRouter(eng)
	defer stopWeb()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("binedge %s listening on %s", gatewayID, addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	// Stop SSE event hub first so long-lived connections close
	stopWeb()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}
