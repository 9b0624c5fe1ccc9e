package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-fee-billing/config"
	"trading-fee-billing/internal/app"
	"trading-fee-billing/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg.LoggingConfig, "main")
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "level", cfg.LoggingConfig.Level)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer a.Close()

	if err := a.DB.RunMigrations(ctx); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}

	sched, err := a.NewScheduler()
	if err != nil {
		logger.Fatal("Failed to register scheduled jobs", "error", err)
	}

	server, err := a.NewServer(true)
	if err != nil {
		logger.Fatal("Failed to initialize API server", "error", err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start web server", "error", err)
		}
	}()

	sched.Start()
	logger.Info("Billing service started",
		"billing_enabled", cfg.BillingConfig.Enabled,
		"reconcile_enabled", cfg.ReconcileConfig.Enabled,
		"timezone", cfg.BillingConfig.Timezone,
		"fee_rate", cfg.BillingConfig.FeeRate)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}
	sched.Stop(shutdownCtx)

	logger.Info("Shutdown complete")
}
