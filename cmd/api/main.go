package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PeterCowling/base-shop-sub075/internal/app"
	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/config"
	"github.com/PeterCowling/base-shop-sub075/internal/event/kafka"
	"github.com/PeterCowling/base-shop-sub075/internal/payments"
	"github.com/PeterCowling/base-shop-sub075/internal/storage/postgres"
	transporthttp "github.com/PeterCowling/base-shop-sub075/internal/transport/http"
	"github.com/PeterCowling/base-shop-sub075/migrations"
)

func main() {
	if path, err := config.LoadEnvFile(); err != nil {
		log.Printf("WARN: failed to load .env: %v", err)
	} else if path != "" {
		log.Printf("loaded env from %s", path)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logger.Fatal("db ping", zap.Error(err))
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	clk := clock.NewSystem()

	inventoryRepo := postgres.NewInventoryRepository(pool)
	holdRepo := postgres.NewHoldRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	inventorySvc := app.NewInventoryService(inventoryRepo)
	holdSvc := app.NewHoldService(holdRepo, inventoryRepo, outboxRepo, clk, logger,
		app.WithMinTTL(cfg.HoldMinTTL),
		app.WithDefaultTTL(cfg.HoldDefaultTTL),
	)
	allocationSvc := app.NewAllocationService(holdRepo)

	var refundClient app.RefundClient = payments.NoopClient{}
	if cfg.RefundAPIURL != "" {
		refundClient = payments.NewClient(cfg.RefundAPIURL, cfg.RefundAPIKey, logger)
	}

	fulfillmentSvc := app.NewFulfillmentService(
		eventRepo, holdSvc, orderRepo, inventoryRepo, outboxRepo, refundClient, clk, logger,
		app.FulfillmentConfig{
			RiskReviewThreshold: cfg.RiskReviewThreshold,
			RefundRestocksStock: cfg.RefundRestocksStock,
		},
	)

	sweeper := app.NewSweeper(holdRepo, holdSvc, clk, logger, cfg.SweepInterval, cfg.SweepBatch)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(runCtx)

	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers)
		defer func() { _ = publisher.Close() }()
		dispatcher := kafka.NewDispatcher(outboxRepo, publisher, clk, logger, kafka.DispatcherConfig{
			Interval:   cfg.OutboxInterval,
			Batch:      cfg.OutboxBatch,
			MaxRetries: cfg.OutboxMaxRetries,
			Backoff:    cfg.OutboxBackoff,
		})
		go dispatcher.Run(runCtx)
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox dispatcher disabled")
	}

	handler := transporthttp.NewRouter(transporthttp.RouterDeps{
		Holds:       holdSvc,
		Allocations: allocationSvc,
		Events:      fulfillmentSvc,
		Inventory:   inventorySvc,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	logger.Info("api listening", zap.String("port", cfg.Port))

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-runCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
