package main

import (
	"context"
	"errors"
	"os"
	"time"

	"cardledger/internal/amqp"
	"cardledger/internal/backend"
	"cardledger/internal/cli"
	appLog "cardledger/internal/log"
	"cardledger/internal/worker"

	"golang.org/x/sync/errgroup"
)

// reloadInterval re-reads exported event IDs so rows appended by other
// worker replicas are recognised as duplicates too.
const reloadInterval = time.Hour

func main() {
	cfg, logger := cli.LoadAndValidateConfig(appLog.ComponentWorker)
	logger.Info("Starting ledger-worker", appLog.FieldOperation, appLog.OpStartup)

	if !cfg.EventsEnabled() {
		logger.Error("AMQP_URL is required for the ledger worker")
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	journalCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid journal configuration", appLog.FieldError, err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger).CreateJournal(ctx, journalCfg)
	if err != nil {
		logger.Error("Failed to create journal", appLog.FieldError, err, "backend", journalCfg.Type.String())
		os.Exit(1)
	}
	if res.Cleanup != nil {
		defer res.Cleanup()
	}
	journal := res.Journal
	logger.Info("Journal ready", "backend", journalCfg.Type.String())

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", appLog.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	exporter := worker.NewExportWorker(journal, logger)
	if err := exporter.LoadExported(ctx); err != nil {
		// Not fatal: duplicates are only a cosmetic problem in the journal.
		logger.Warn("Failed to load exported event IDs", appLog.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.ConsumeWithRetry(gctx, exporter.HandleEvent)
	})
	g.Go(func() error {
		ticker := time.NewTicker(reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := exporter.LoadExported(gctx); err != nil {
					logger.Warn("Failed to reload exported event IDs", appLog.FieldError, err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped", appLog.FieldError, err)
		amqpClient.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete", "exported", exporter.Exported())
}
