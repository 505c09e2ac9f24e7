/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the consolidation capacity engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file, .env, CAPACITY_* env)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Build the engine (tier quota over the subscriptions table)
  5. Build publishers (websocket hub, log, optional Kafka) and the
     outbox dispatcher
  6. Run HTTP server, dispatcher and status sweeper in one errgroup

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: ./config.yaml if present)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop dispatcher and sweeper; undelivered events stay in the outbox
  4. Close Kafka writer and database connection

EXAMPLES:
  ./server -db="./data/capacity.db"
  CAPACITY_KAFKA_ENABLED=true CAPACITY_KAFKA_BROKERS=kafka:9092 ./server
  ./server -config=./deploy/config.yaml -port=3000

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - capacity/outbox.go: Event delivery
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/capacity-engine/api"
	"github.com/warp/capacity-engine/capacity"
	"github.com/warp/capacity-engine/config"
	"github.com/warp/capacity-engine/notify"
	"github.com/warp/capacity-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	lifecycle := cfg.Lifecycle.Rules()
	engine := capacity.NewEngine(store, capacity.Options{
		Lifecycle:  &lifecycle,
		MaxRetries: cfg.Ledger.MaxRetries,
		Quota:      cfg.Quota.Quota(store),
		Logger:     logger,
	})

	// Publishers
	hub := notify.NewHub(logger, cfg.Server.CORSOrigins)
	publishers := notify.Fanout{hub, notify.LogPublisher{Logger: logger.Named("events")}}
	if cfg.Kafka.Enabled {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info("kafka publisher enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	dispatcher := capacity.NewDispatcher(store, publishers, logger)
	dispatcher.Interval = cfg.Outbox.Interval
	dispatcher.BatchSize = cfg.Outbox.BatchSize
	engine.OnCommit(dispatcher.Notify)

	handler := api.NewHandler(engine, store, hub, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error { return dispatcher.Run(gctx) })

	if cfg.Sweeper.Enabled {
		sweeper := capacity.NewSweeper(engine.Status, logger)
		sweeper.Interval = cfg.Sweeper.Interval
		g.Go(func() error { return sweeper.Run(gctx) })
	} else {
		logger.Info("status sweeper disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
