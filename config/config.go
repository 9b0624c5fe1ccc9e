package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	BillingConfig   BillingConfig   `json:"billing"`
	BrokerageConfig BrokerageConfig `json:"brokerage"`
	ReconcileConfig ReconcileConfig `json:"reconcile"`
	ArchiveConfig   ArchiveConfig   `json:"archive"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
	MaxSizeMB   int    `json:"max_size_mb"`
	MaxBackups  int    `json:"max_backups"`
	MaxAgeDays  int    `json:"max_age_days"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// AuthConfig holds token validation settings. Tokens are issued by the
// account service; this process only verifies them.
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// RedisConfig holds Redis configuration used for job locks
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault settings for brokerage credentials
type VaultConfig struct {
	Enabled       bool          `json:"enabled"`
	Address       string        `json:"address"`
	Token         string        `json:"token"`
	MountPath     string        `json:"mount_path"`
	SecretPath    string        `json:"secret_path"`
	TLSEnabled    bool          `json:"tls_enabled"`
	CACert        string        `json:"ca_cert"`
	ClientCert    string        `json:"client_cert"`
	ClientKey     string        `json:"client_key"`
	TLSServerName string        `json:"tls_server_name"`
	TLSSkipVerify bool          `json:"tls_skip_verify"`
	CacheTTL      time.Duration `json:"cache_ttl"`
}

// BillingConfig holds fee and payment gateway settings
type BillingConfig struct {
	Enabled               bool          `json:"enabled"`
	FeeRate               float64       `json:"fee_rate"`
	Currency              string        `json:"currency"`
	MinimumCharge         float64       `json:"minimum_charge"`
	Timezone              string        `json:"timezone"`
	WeeklySchedule        string        `json:"weekly_schedule"`
	AutoRetryFailed       bool          `json:"auto_retry_failed"`
	RetrySchedule         string        `json:"retry_schedule"`
	MaxConcurrent         int           `json:"max_concurrent"`
	ChargeTimeout         time.Duration `json:"charge_timeout"`
	ReconcileBeforeCharge bool          `json:"reconcile_before_charge"`
	StripeSecretKey       string        `json:"stripe_secret_key"`
	StripePublishableKey  string        `json:"stripe_publishable_key"`
	StripeWebhookSecret   string        `json:"stripe_webhook_secret"`
	StripeBaseURL         string        `json:"stripe_base_url"`
	WebhookTolerance      time.Duration `json:"webhook_tolerance"`
}

// BrokerageConfig holds settings for the brokerage gain/loss API
type BrokerageConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	RequestsPerSecond   float64       `json:"requests_per_second"`
	MaxRetries          int           `json:"max_retries"`
	PageSize            int           `json:"page_size"`
	InitialLookbackDays int           `json:"initial_lookback_days"`
	ResyncOverlapDays   int           `json:"resync_overlap_days"`
}

// ReconcileConfig holds settings for the scheduled brokerage reconciliation
type ReconcileConfig struct {
	Enabled       bool    `json:"enabled"`
	Schedule      string  `json:"schedule"`
	PnLTolerance  float64 `json:"pnl_tolerance"`
	MaxConcurrent int     `json:"max_concurrent"`
	FixMissing    bool    `json:"fix_missing"`
}

// ArchiveConfig holds S3 settings for billing event archives
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

func Load() (*Config, error) {
	return LoadFrom("config.json")
}

// LoadFrom reads the given JSON file (if present), then .env, then the process environment
func LoadFrom(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// .env is optional
	_ = godotenv.Load()

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the billing pipeline cannot run with
func (c *Config) Validate() error {
	if c.BillingConfig.FeeRate <= 0 || c.BillingConfig.FeeRate >= 1 {
		return fmt.Errorf("billing.fee_rate must be in (0,1), got %v", c.BillingConfig.FeeRate)
	}
	if _, err := time.LoadLocation(c.BillingConfig.Timezone); err != nil {
		return fmt.Errorf("billing.timezone: %w", err)
	}
	if c.BillingConfig.Enabled && c.BillingConfig.StripeSecretKey == "" {
		return fmt.Errorf("billing is enabled but STRIPE_SECRET_KEY is not set")
	}
	if c.BillingConfig.Enabled && c.BillingConfig.StripeWebhookSecret == "" {
		return fmt.Errorf("billing is enabled but STRIPE_WEBHOOK_SECRET is not set")
	}
	if c.ArchiveConfig.Enabled && c.ArchiveConfig.Bucket == "" {
		return fmt.Errorf("archive is enabled but no bucket is configured")
	}
	if (c.VaultConfig.ClientCert == "") != (c.VaultConfig.ClientKey == "") {
		return fmt.Errorf("vault client_cert and client_key must be set together")
	}
	return nil
}

// Location returns the billing reference timezone
func (c *BillingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN builds a postgres connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// applyEnvOverrides applies environment variable overrides to the config.
// Values already set in config.json act as the default for each variable.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", true)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)
	cfg.LoggingConfig.MaxSizeMB = getEnvIntOrDefault("LOG_MAX_SIZE_MB", orInt(cfg.LoggingConfig.MaxSizeMB, 100))
	cfg.LoggingConfig.MaxBackups = getEnvIntOrDefault("LOG_MAX_BACKUPS", orInt(cfg.LoggingConfig.MaxBackups, 5))
	cfg.LoggingConfig.MaxAgeDays = getEnvIntOrDefault("LOG_MAX_AGE_DAYS", orInt(cfg.LoggingConfig.MaxAgeDays, 30))

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", orString(cfg.AuthConfig.Issuer, "trading-platform"))

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "billing"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Database, "trading_billing"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))
	cfg.DatabaseConfig.MaxConns = int32(getEnvIntOrDefault("DB_MAX_CONNS", orInt(int(cfg.DatabaseConfig.MaxConns), 25)))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "billing/brokerage"))
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)
	cfg.VaultConfig.ClientCert = getEnvOrDefault("VAULT_CLIENT_CERT", cfg.VaultConfig.ClientCert)
	cfg.VaultConfig.ClientKey = getEnvOrDefault("VAULT_CLIENT_KEY", cfg.VaultConfig.ClientKey)
	cfg.VaultConfig.TLSServerName = getEnvOrDefault("VAULT_TLS_SERVER_NAME", cfg.VaultConfig.TLSServerName)
	cfg.VaultConfig.TLSSkipVerify = getEnvBoolOrDefault("VAULT_SKIP_VERIFY", cfg.VaultConfig.TLSSkipVerify)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled || cfg.VaultConfig.CACert != "")
	cfg.VaultConfig.CacheTTL = getEnvDurationOrDefault("VAULT_CACHE_TTL", orDuration(cfg.VaultConfig.CacheTTL, 5*time.Minute))

	// Billing config
	b := &cfg.BillingConfig
	b.Enabled = getEnvBoolOrDefault("BILLING_ENABLED", b.Enabled)
	b.FeeRate = getEnvFloatOrDefault("BILLING_FEE_RATE", orFloat(b.FeeRate, 0.10))
	b.Currency = getEnvOrDefault("BILLING_CURRENCY", orString(b.Currency, "usd"))
	b.MinimumCharge = getEnvFloatOrDefault("BILLING_MINIMUM_CHARGE", orFloat(b.MinimumCharge, 0.50))
	b.Timezone = getEnvOrDefault("BILLING_TIMEZONE", orString(b.Timezone, "America/New_York"))
	b.WeeklySchedule = getEnvOrDefault("BILLING_WEEKLY_SCHEDULE", orString(b.WeeklySchedule, "0 0 18 * * SUN"))
	b.AutoRetryFailed = getEnvBoolOrDefault("BILLING_AUTO_RETRY_FAILED", b.AutoRetryFailed)
	b.RetrySchedule = getEnvOrDefault("BILLING_RETRY_SCHEDULE", orString(b.RetrySchedule, "0 0 18 * * WED"))
	b.MaxConcurrent = getEnvIntOrDefault("BILLING_MAX_CONCURRENT", orInt(b.MaxConcurrent, 4))
	b.ChargeTimeout = getEnvDurationOrDefault("BILLING_CHARGE_TIMEOUT", orDuration(b.ChargeTimeout, 30*time.Second))
	b.ReconcileBeforeCharge = getEnvBoolOrDefault("BILLING_RECONCILE_BEFORE_CHARGE", true)
	b.StripeSecretKey = getEnvOrDefault("STRIPE_SECRET_KEY", b.StripeSecretKey)
	b.StripePublishableKey = getEnvOrDefault("STRIPE_PUBLISHABLE_KEY", b.StripePublishableKey)
	b.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", b.StripeWebhookSecret)
	b.StripeBaseURL = getEnvOrDefault("STRIPE_BASE_URL", orString(b.StripeBaseURL, "https://api.stripe.com"))
	b.WebhookTolerance = getEnvDurationOrDefault("STRIPE_WEBHOOK_TOLERANCE", orDuration(b.WebhookTolerance, 5*time.Minute))

	// Brokerage config
	br := &cfg.BrokerageConfig
	br.BaseURL = getEnvOrDefault("BROKERAGE_BASE_URL", orString(br.BaseURL, "https://api.tradier.com"))
	br.Timeout = getEnvDurationOrDefault("BROKERAGE_TIMEOUT", orDuration(br.Timeout, 20*time.Second))
	br.RequestsPerSecond = getEnvFloatOrDefault("BROKERAGE_REQUESTS_PER_SECOND", orFloat(br.RequestsPerSecond, 2))
	br.MaxRetries = getEnvIntOrDefault("BROKERAGE_MAX_RETRIES", orInt(br.MaxRetries, 3))
	br.PageSize = getEnvIntOrDefault("BROKERAGE_PAGE_SIZE", orInt(br.PageSize, 500))
	br.InitialLookbackDays = getEnvIntOrDefault("BROKERAGE_INITIAL_LOOKBACK_DAYS", orInt(br.InitialLookbackDays, 90))
	br.ResyncOverlapDays = getEnvIntOrDefault("BROKERAGE_RESYNC_OVERLAP_DAYS", orInt(br.ResyncOverlapDays, 7))

	// Reconcile config
	r := &cfg.ReconcileConfig
	r.Enabled = getEnvBoolOrDefault("RECONCILE_ENABLED", r.Enabled)
	r.Schedule = getEnvOrDefault("RECONCILE_SCHEDULE", orString(r.Schedule, "0 30 * * * MON-FRI"))
	r.PnLTolerance = getEnvFloatOrDefault("RECONCILE_PNL_TOLERANCE", orFloat(r.PnLTolerance, 10.0))
	r.MaxConcurrent = getEnvIntOrDefault("RECONCILE_MAX_CONCURRENT", orInt(r.MaxConcurrent, 4))
	r.FixMissing = getEnvBoolOrDefault("RECONCILE_FIX_MISSING", true)

	// Archive config
	a := &cfg.ArchiveConfig
	a.Enabled = getEnvBoolOrDefault("ARCHIVE_ENABLED", a.Enabled)
	a.Schedule = getEnvOrDefault("ARCHIVE_SCHEDULE", orString(a.Schedule, "0 0 3 1 * *"))
	a.Bucket = getEnvOrDefault("ARCHIVE_S3_BUCKET", a.Bucket)
	a.Prefix = getEnvOrDefault("ARCHIVE_S3_PREFIX", orString(a.Prefix, "billing-events"))
	a.Region = getEnvOrDefault("ARCHIVE_S3_REGION", orString(a.Region, "us-east-1"))
	a.Endpoint = getEnvOrDefault("ARCHIVE_S3_ENDPOINT", a.Endpoint)
	a.AccessKey = getEnvOrDefault("ARCHIVE_S3_ACCESS_KEY", a.AccessKey)
	a.SecretKey = getEnvOrDefault("ARCHIVE_S3_SECRET_KEY", a.SecretKey)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	cfg.BillingConfig.StripeSecretKey = "sk_test_replace_me"
	cfg.BillingConfig.StripeWebhookSecret = "whsec_replace_me"
	cfg.AuthConfig.JWTSecret = "replace_me"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
