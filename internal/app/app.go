// Package app assembles the billing services from configuration. The server
// binary and billingctl share it so both run the same wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-fee-billing/config"
	"trading-fee-billing/internal/api"
	"trading-fee-billing/internal/audit"
	"trading-fee-billing/internal/auth"
	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/brokerage"
	"trading-fee-billing/internal/cache"
	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/events"
	"trading-fee-billing/internal/logging"
	"trading-fee-billing/internal/reconcile"
	"trading-fee-billing/internal/scheduler"
	"trading-fee-billing/internal/vault"
)

// retryBatchLimit caps how many failed periods one retry run attempts
const retryBatchLimit = 500

// App holds the wired services
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	DB           *database.DB
	Repo         *database.Repository
	Bus          *events.EventBus
	Stripe       *billing.StripeClient
	Recorder     *audit.Recorder
	Vault        *vault.Client
	Brokerage    *brokerage.Client
	Reconciler   *reconcile.Reconciler
	Orchestrator *billing.Orchestrator
	Batch        *billing.BatchRunner
	Webhooks     *billing.WebhookReconciler
	Cache        *cache.CacheService // nil when Redis is disabled
	Archiver     *audit.Archiver     // nil when archiving is disabled
}

// NewLogger builds the process logger from the logging section
func NewLogger(cfg config.LoggingConfig, component string) *logging.Logger {
	return logging.New(&logging.Config{
		Level:       cfg.Level,
		Output:      cfg.Output,
		JSONFormat:  cfg.JSONFormat,
		IncludeFile: cfg.IncludeFile,
		Component:   component,
		MaxSizeMB:   cfg.MaxSizeMB,
		MaxBackups:  cfg.MaxBackups,
		MaxAgeDays:  cfg.MaxAgeDays,
	})
}

// OpenDB connects to Postgres
func OpenDB(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*database.DB, error) {
	return database.NewDB(ctx, database.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		SSLMode:  cfg.SSLMode,
		MaxConns: cfg.MaxConns,
	}, logger)
}

// Build connects to the database and wires every service. Optional
// backends (Redis, S3) that fail to initialize are logged and left nil.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	db, err := OpenDB(ctx, cfg.DatabaseConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Repo:   database.NewRepository(db),
		Bus:    events.NewEventBus(),
	}

	a.Vault, err = vault.NewClient(cfg.VaultConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if !a.Vault.IsEnabled() {
		logger.Warn("Vault disabled, brokerage credentials are held in memory only")
	}

	a.Stripe = billing.NewStripeClient(billing.StripeConfig{
		SecretKey:        cfg.BillingConfig.StripeSecretKey,
		WebhookSecret:    cfg.BillingConfig.StripeWebhookSecret,
		BaseURL:          cfg.BillingConfig.StripeBaseURL,
		Timeout:          cfg.BillingConfig.ChargeTimeout,
		WebhookTolerance: cfg.BillingConfig.WebhookTolerance,
	}, logger)

	a.Recorder = audit.NewRecorder(a.Repo, a.Bus, logger)

	br := cfg.BrokerageConfig
	a.Brokerage = brokerage.NewClient(brokerage.Config{
		BaseURL:           br.BaseURL,
		Timeout:           br.Timeout,
		RequestsPerSecond: br.RequestsPerSecond,
		MaxRetries:        br.MaxRetries,
		PageSize:          br.PageSize,
	}, logger)

	rc := cfg.ReconcileConfig
	a.Reconciler = reconcile.NewReconciler(a.Repo, a.Brokerage, a.Vault, reconcile.Config{
		Tolerance:       rc.PnLTolerance,
		MaxConcurrent:   rc.MaxConcurrent,
		FixMissing:      rc.FixMissing,
		InitialLookback: time.Duration(br.InitialLookbackDays) * 24 * time.Hour,
		ResyncOverlap:   time.Duration(br.ResyncOverlapDays) * 24 * time.Hour,
		Location:        cfg.BillingConfig.Location(),
	}, logger)

	bc := cfg.BillingConfig
	a.Orchestrator = billing.NewOrchestrator(a.Repo, a.Stripe, a.Recorder, a.Reconciler, billing.Config{
		FeeRate:               bc.FeeRate,
		Currency:              bc.Currency,
		MinimumCharge:         bc.MinimumCharge,
		Location:              bc.Location(),
		ChargeTimeout:         bc.ChargeTimeout,
		ReconcileBeforeCharge: bc.ReconcileBeforeCharge,
		MaxConcurrent:         bc.MaxConcurrent,
	}, logger)
	a.Batch = billing.NewBatchRunner(a.Orchestrator, a.Repo, logger)
	a.Webhooks = billing.NewWebhookReconciler(a.Repo, a.Stripe, a.Recorder, logger)

	if cfg.RedisConfig.Enabled {
		if a.Cache, err = cache.NewCacheService(cfg.RedisConfig, logger); err != nil {
			logger.Warn("Redis unavailable, scheduled jobs run without a cross-process lock", "error", err)
		}
	}

	if cfg.ArchiveConfig.Enabled {
		writer, err := audit.NewS3Writer(ctx, cfg.ArchiveConfig)
		if err != nil {
			logger.Warn("Billing event archive disabled", "error", err)
		} else {
			a.Archiver = audit.NewArchiver(a.Repo, writer, cfg.ArchiveConfig.Prefix, logger)
		}
	}

	return a, nil
}

// Close releases connections
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn("Failed to close Redis", "error", err)
		}
	}
	a.DB.Close()
}

// NewScheduler registers the periodic jobs enabled in config
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	opts := scheduler.Options{Bus: a.Bus}
	if a.Cache != nil {
		opts.Locker = jobLocker{cache: a.Cache}
	}
	s := scheduler.New(a.Logger, opts)

	cfg := a.Config
	if cfg.BillingConfig.Enabled {
		if err := s.AddJob(cfg.BillingConfig.WeeklySchedule, a.WeeklyChargeJob()); err != nil {
			return nil, err
		}
		if cfg.BillingConfig.AutoRetryFailed {
			if err := s.AddJob(cfg.BillingConfig.RetrySchedule, a.RetryFailedJob()); err != nil {
				return nil, err
			}
		}
	}
	if cfg.ReconcileConfig.Enabled {
		if err := s.AddJob(cfg.ReconcileConfig.Schedule, a.BrokerageSyncJob()); err != nil {
			return nil, err
		}
	}
	if a.Archiver != nil {
		if err := s.AddJob(cfg.ArchiveConfig.Schedule, a.ArchiveJob()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WeeklyChargeJob bills every enabled user for the previous week
func (a *App) WeeklyChargeJob() scheduler.Job {
	return scheduler.NewJob("weekly-charge", func(ctx context.Context) error {
		_, err := a.Batch.RunWeekly(ctx)
		return err
	})
}

// RetryFailedJob makes one new attempt on each failed period
func (a *App) RetryFailedJob() scheduler.Job {
	return scheduler.NewJob("retry-failed", func(ctx context.Context) error {
		_, err := a.Batch.RetryFailedPeriods(ctx, retryBatchLimit)
		return err
	})
}

// BrokerageSyncJob reconciles every linked brokerage account
func (a *App) BrokerageSyncJob() scheduler.Job {
	return scheduler.NewJob("brokerage-sync", func(ctx context.Context) error {
		_, err := a.Reconciler.SyncAll(ctx)
		return err
	})
}

// ArchiveJob copies last month's billing events to object storage
func (a *App) ArchiveJob() scheduler.Job {
	return scheduler.NewJob("billing-event-archive", func(ctx context.Context) error {
		_, err := a.Archiver.ArchivePreviousMonth(ctx, time.Now())
		return err
	})
}

// NewServer builds the HTTP API
func (a *App) NewServer(productionMode bool) (*api.Server, error) {
	cfg := a.Config
	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		if cfg.AuthConfig.JWTSecret == "" {
			return nil, errors.New("auth is enabled but AUTH_JWT_SECRET is not set")
		}
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, 15*time.Minute)
	} else {
		a.Logger.Warn("Authentication disabled, every API caller is treated as an admin")
	}

	return api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: productionMode,
		AllowedOrigins: api.ParseOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
	}, api.Deps{
		Billing:   a.Orchestrator,
		Batch:     a.Batch,
		Webhooks:  a.Webhooks,
		Reconcile: a.Reconciler,
		Health:    a.Repo,
		Bus:       a.Bus,
		JWT:       jwtManager,
	}, a.Logger), nil
}

// jobLocker adapts the Redis lock to the scheduler's sentinel
type jobLocker struct {
	cache *cache.CacheService
}

func (l jobLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	release, err := l.cache.Acquire(ctx, name, ttl)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrLockHeld, name)
	}
	return release, err
}

var (
	_ billing.Store            = (*database.Repository)(nil)
	_ reconcile.Store          = (*database.Repository)(nil)
	_ audit.Inserter           = (*database.Repository)(nil)
	_ audit.EventSource        = (*database.Repository)(nil)
	_ billing.Gateway          = (*billing.StripeClient)(nil)
	_ reconcile.PositionSource = (*brokerage.Client)(nil)
	_ api.BillingService       = (*billing.Orchestrator)(nil)
	_ api.BatchService         = (*billing.BatchRunner)(nil)
	_ api.ReconcileService     = (*reconcile.Reconciler)(nil)
	_ scheduler.Locker         = jobLocker{}
)
