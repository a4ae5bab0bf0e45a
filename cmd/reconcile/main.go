package main

import (
	"context"
	"flag"
	"os"
	"time"

	"cardledger/internal/amqp"
	"cardledger/internal/cli"
	appLog "cardledger/internal/log"
	"cardledger/internal/services"
)

func main() {
	interval := flag.Duration("interval", 0, "time between runs (default RECONCILE_INTERVAL)")
	once := flag.Bool("once", false, "run a single pass and exit")
	repair := flag.Bool("repair", true, "rewrite drifted card balances")
	flag.Parse()

	cfg, logger := cli.LoadAndValidateConfig(appLog.ComponentReconciler)
	if *interval <= 0 {
		*interval = cfg.ReconcileInterval
	}

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	var publisher services.EventPublisher
	if cfg.EventsEnabled() {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without events", appLog.FieldError, err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
		}
	}

	ledger := services.NewLedger(repo, services.Options{Events: publisher, Logger: logger})

	if *once {
		if !runPass(context.Background(), ledger, *repair, logger) {
			os.Exit(1)
		}
		return
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)
	logger.Info("Reconciler started", "interval", *interval, "repair", *repair)

	runPass(ctx, ledger, *repair, logger)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cli.WaitForShutdown(ctx, done)
			logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			runPass(ctx, ledger, *repair, logger)
		}
	}
}

// runPass reconciles unassigned payments, then checks the stored card
// balances. It reports whether both steps succeeded.
func runPass(ctx context.Context, ledger *services.Ledger, repair bool, logger *appLog.Logger) bool {
	ok := true

	report, err := ledger.Reconciler.ReconcileUnassignedPayments(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Reconciliation finished with errors", appLog.FieldError, err)
		ok = false
	}
	logger.InfoContext(ctx, "Reconciliation pass",
		appLog.FieldOperation, appLog.OpReconcile,
		"matched", len(report.Matched),
		"ambiguous", len(report.Ambiguous),
		"unmatched", len(report.Unmatched),
		"duration", report.Duration)

	checks, err := ledger.Balances.VerifyCardBalances(ctx, repair)
	if err != nil {
		logger.ErrorContext(ctx, "Balance verification failed", appLog.FieldError, err)
		return false
	}
	for _, c := range checks {
		if c.Drift {
			logger.WarnContext(ctx, "Card balance drift",
				appLog.FieldCardID, c.CardID,
				"stored", c.Stored.String(),
				"computed", c.Computed.String(),
				"repaired", c.Repaired)
		}
	}
	return ok
}
