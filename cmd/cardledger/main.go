package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"cardledger/internal/amqp"
	"cardledger/internal/cache"
	"cardledger/internal/cli"
	apphttp "cardledger/internal/http"
	appLog "cardledger/internal/log"
	"cardledger/internal/services"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(appLog.ComponentApp)
	logger.Info("Starting cardledger", appLog.FieldOperation, appLog.OpStartup)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	// Publishing is optional; the ledger works without a broker.
	var publisher services.EventPublisher
	if cfg.EventsEnabled() {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without events", appLog.FieldError, err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange)
		}
	} else {
		logger.Info("AMQP disabled - ledger events will not be published")
	}

	ledger := services.NewLedger(repo, services.Options{
		Events:    publisher,
		CacheSize: cfg.BalanceCacheSize,
		CacheTTL:  cfg.BalanceCacheTTL,
		Logger:    logger,
	})

	caches := cache.NewManager(logger)
	caches.Register(ledger.Cache)
	caches.StartCleanup(cfg.BalanceCacheTTL)

	srv := apphttp.NewServer(":"+cfg.Port, ledger, repo, apphttp.ServerOptions{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", appLog.FieldError, err)
		}
		caches.Stop()
	})

	logger.Info("Listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", appLog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
