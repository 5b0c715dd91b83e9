// Package main is the entry point for the Courier notification delivery service.
// It wires the publisher, consumer, retry scheduler and HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"courier-go/internal/api"
	"courier-go/internal/banner"
	"courier-go/internal/config"
	"courier-go/internal/consumer"
	"courier-go/internal/notification"
	"courier-go/internal/publisher"
	"courier-go/internal/queue"
	kafkaqueue "courier-go/internal/queue/kafka"
	memoryqueue "courier-go/internal/queue/memory"
	"courier-go/internal/registry"
	"courier-go/internal/retry"
	"courier-go/internal/store"
	memorystor "courier-go/internal/store/memory"
	postgresstor "courier-go/internal/store/postgres"
	redisstor "courier-go/internal/store/redis"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := initLogger(&config.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger = initLogger(&cfg.Logger)

	banner.Print(os.Stdout, string(cfg.Storage.Mode))
	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
	)

	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := deps.consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("consumer error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := deps.scheduler.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("retry scheduler error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("Courier started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Let in-flight sends land on the broker or in the outbox before closing the producer.
	if err := deps.publisher.Close(); err != nil {
		logger.Error("publisher shutdown error", "error", err)
	}

	logger.Info("Courier stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server    *api.Server
	publisher *publisher.Publisher
	consumer  *consumer.Service
	scheduler *retry.Scheduler
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		outbox       store.OutboxStore
		locker       store.Locker
		producer     queue.Producer
		health       queue.HealthChecker
		msgConsumer  queue.Consumer
		cleanupFuncs []func()
	)

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	reg := registry.New(cfg.Topics)

	if cfg.Storage.UseMemory() {
		logger.Info("initializing in-memory storage")

		outbox = memorystor.NewOutboxStore()
		locker = memorystor.NewLocker()

		memQueue := memoryqueue.NewQueue(10000)
		producer = memQueue
		health = memQueue
		msgConsumer = memQueue
		cleanupFuncs = append(cleanupFuncs, func() { _ = memQueue.Close() })
	} else {
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL)")

		ctx := context.Background()
		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		if err := db.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("database migrations completed")
		outbox = postgresstor.NewOutboxRepository(db)

		redisLocker, err := redisstor.NewLocker(&cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		locker = redisLocker
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisLocker.Close() })

		// Producer and health probe share one connection pool.
		transport := kafkaqueue.NewTransport(&cfg.Kafka)
		kafkaProducer := kafkaqueue.NewProducer(&cfg.Kafka, transport)
		producer = kafkaProducer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaProducer.Close() })

		health = kafkaqueue.NewHealthProbe(&cfg.Kafka, transport, logger)

		kafkaConsumer := kafkaqueue.NewConsumer(&cfg.Kafka, reg.Topics(), logger)
		msgConsumer = kafkaConsumer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaConsumer.Close() })
	}

	pub := publisher.NewPublisher(producer, health, outbox, &cfg.Kafka, logger)

	// Delivery handlers are stubbed until real gateways are wired in.
	handlers := notification.NewStubHandlers(logger)
	consumerService := consumer.NewService(msgConsumer, reg, handlers, outbox, logger)

	scheduler := retry.NewScheduler(outbox, locker, reg, pub, &cfg.Scheduler, logger)

	server := api.NewServer(api.ServerDeps{
		Config:         &cfg.Server,
		Logger:         logger,
		Broker:         health,
		MessageHandler: api.NewMessageHandler(pub, reg, logger),
		OutboxHandler:  api.NewOutboxHandler(outbox, scheduler, logger),
	})

	return &dependencies{
		server:    server,
		publisher: pub,
		consumer:  consumerService,
		scheduler: scheduler,
	}, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
