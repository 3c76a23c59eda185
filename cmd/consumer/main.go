package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghuser/commandbus/pkg/cache"
	"github.com/ghuser/commandbus/pkg/config"
	"github.com/ghuser/commandbus/pkg/consumer"
	"github.com/ghuser/commandbus/pkg/database"
	"github.com/ghuser/commandbus/pkg/httpx"
	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/outbox"
	"github.com/ghuser/commandbus/pkg/queue"
	"github.com/ghuser/commandbus/pkg/store"
	"github.com/ghuser/commandbus/pkg/telemetry"
	ledgerhandlers "github.com/ghuser/commandbus/services/ledger/application/handlers"
	ledgerpg "github.com/ghuser/commandbus/services/ledger/infrastructure/persistence/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateForProduction(cfg); err != nil {
		slog.Error("production config validation failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg)

	ctx := context.Background()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	db, err := database.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer db.Close()
	log.Info("database pool connected")

	messageStore := store.NewPostgresStore(db, cfg.ConsumerID)

	queueClient, err := newQueueClient(cfg, db, log)
	if err != nil {
		log.Error("failed to setup queue client", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	registry := consumer.NewRegistry(log)
	transferHandler := ledgerhandlers.NewTransferHandler(ledgerpg.NewAccountRepository())
	if err := transferHandler.Register(registry); err != nil {
		log.Error("failed to register handlers", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	var opts []consumer.Option
	var redisClient *cache.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(cfg)
		if err != nil {
			log.Warn("failed to connect to redis, idempotency cache disabled", "error", err)
		} else {
			defer redisClient.Close() //nolint:errcheck
			opts = append(opts, consumer.WithHandledCache(cache.NewHandledCache(redisClient, cfg.ConsumerID)))
			log.Info("redis connected, idempotency cache enabled")
		}
	}

	cons := consumer.New(cfg, log, queueClient, messageStore, registry, opts...)
	if err := cons.Start(ctx); err != nil {
		log.Error("failed to start consumer", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	relay := outbox.New(messageStore, queueClient, log, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go relay.Run(relayCtx)

	checks := httpx.HealthChecks{Database: db, Queue: queueClient}
	if redisClient != nil {
		checks.Redis = redisClient
	}
	opsServer := httpx.NewServer(cfg.OpsAddr, httpx.NewOpsRouter(log, checks, metricsHandler))
	go func() {
		log.Info("ops listener started", "addr", cfg.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops listener failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down consumer...")

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, cfg.ShutdownDeadline)
	defer cancelShutdown()

	if err := cons.Stop(shutdownCtx); err != nil {
		log.Error("consumer stop failed", "error", err)
	}
	cancelRelay()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("ops listener shutdown failed", "error", err)
	}

	log.Info("consumer stopped")
}

// newQueueClient builds the transport adapter selected by QUEUE_DRIVER.
func newQueueClient(cfg *config.Config, db *database.Database, log logger.Logger) (queue.Client, error) {
	switch cfg.QueueDriver {
	case config.DriverKafka:
		return queue.NewKafkaClient(cfg.Brokers(), log), nil
	case config.DriverChannel:
		return queue.NewChannelClient(log), nil
	default:
		return queue.NewPostgresClient(db.DB(), cfg.ConsumerID, cfg.WaitInterval, log)
	}
}
