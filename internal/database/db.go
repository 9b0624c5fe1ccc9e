package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trading-fee-billing/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("database")

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL", "database", cfg.Database, "max_conns", poolConfig.MaxConns)

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// RunMigrations executes database migrations. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("Running database migrations", "statements", len(migrations))

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info("Database migrations completed")
	return nil
}

var migrations = []string{
	// Users are owned by the account service; billing only adds its columns.
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS stripe_customer_id VARCHAR(255)`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS billing_enabled BOOLEAN NOT NULL DEFAULT TRUE`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_stripe_customer ON users(stripe_customer_id) WHERE stripe_customer_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		symbol VARCHAR(64) NOT NULL,
		direction VARCHAR(8) NOT NULL CHECK (direction IN ('long', 'short', 'call', 'put')),
		asset_class VARCHAR(16) NOT NULL DEFAULT 'stock',
		entry_price NUMERIC(20, 8) NOT NULL,
		exit_price NUMERIC(20, 8),
		quantity NUMERIC(20, 8) NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_time TIMESTAMPTZ,
		pnl NUMERIC(20, 2),
		pnl_source VARCHAR(16),
		status VARCHAR(16) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed', 'stopped')),
		external_position_id VARCHAR(255),
		brokerage_account_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT trades_user_external_position_key UNIQUE (user_id, external_position_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_entry ON trades(user_id, entry_time)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_missing_pnl ON trades(user_id) WHERE pnl IS NULL AND exit_price IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS trade_pnl_adjustments (
		id BIGSERIAL PRIMARY KEY,
		trade_id BIGINT NOT NULL REFERENCES trades(id),
		previous_pnl NUMERIC(20, 2),
		new_pnl NUMERIC(20, 2) NOT NULL,
		previous_source VARCHAR(16),
		new_source VARCHAR(16) NOT NULL,
		reason VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_pnl_adjustments_trade ON trade_pnl_adjustments(trade_id)`,

	`CREATE TABLE IF NOT EXISTS brokerage_accounts (
		user_id BIGINT PRIMARY KEY REFERENCES users(id),
		account_id VARCHAR(64) NOT NULL,
		sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_synced_at TIMESTAMPTZ,
		last_sync_error TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS billing_periods (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		week_start DATE NOT NULL,
		week_end DATE NOT NULL,
		total_pnl NUMERIC(20, 2) NOT NULL,
		trade_count INTEGER NOT NULL DEFAULT 0,
		fee_rate NUMERIC(6, 4) NOT NULL,
		fee_amount NUMERIC(20, 2) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'paid', 'failed', 'waived')),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		paid_at TIMESTAMPTZ,
		stripe_charge_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT billing_periods_user_week_key UNIQUE (user_id, week_start, week_end)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_periods_status ON billing_periods(status)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		billing_period_id BIGINT NOT NULL REFERENCES billing_periods(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		amount NUMERIC(20, 2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'usd',
		stripe_payment_intent_id VARCHAR(255) UNIQUE,
		stripe_charge_id VARCHAR(255),
		stripe_payment_method_id VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed', 'refunded')),
		failure_reason TEXT,
		receipt_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_period ON payments(billing_period_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_succeeded ON payments(billing_period_id) WHERE status = 'succeeded'`,

	`CREATE TABLE IF NOT EXISTS payment_methods (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		stripe_customer_id VARCHAR(255) NOT NULL,
		stripe_payment_method_id VARCHAR(255) NOT NULL UNIQUE,
		brand VARCHAR(32) NOT NULL DEFAULT '',
		last4 VARCHAR(4) NOT NULL DEFAULT '',
		exp_month INTEGER NOT NULL DEFAULT 0,
		exp_year INTEGER NOT NULL DEFAULT 0,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_methods_one_default ON payment_methods(user_id) WHERE is_default`,

	// Append-only. No UPDATE or DELETE is ever issued against this table.
	`CREATE TABLE IF NOT EXISTS billing_events (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		billing_period_id BIGINT REFERENCES billing_periods(id),
		event_type VARCHAR(48) NOT NULL,
		event_data JSONB NOT NULL DEFAULT '{}',
		external_event_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_events_external ON billing_events(external_event_id) WHERE external_event_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_billing_events_user ON billing_events(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_events_created ON billing_events(created_at)`,
}
