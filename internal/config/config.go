// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Lock backends.
const (
	LockBackendPostgres = "postgres"
	LockBackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL    string // PostgreSQL connection string (in-memory stores when empty)
	DBMaxOpenConns int
	DBMaxIdleConns int
	AutoMigrate    bool

	// Reservations
	LockBackend     string
	ReservationTTL  time.Duration
	JanitorInterval time.Duration

	// Escrow
	EscrowHoldPeriod time.Duration
	EscrowInterval   time.Duration
	EscrowBatchSize  int

	// Reconciliation
	ReconcileInterval  time.Duration
	ReconcileThreshold decimal.Decimal
	ReconcileTimezone  string

	// Payment gateway
	StripeSecretKey  string // empty outside production selects the in-memory mock gateway
	GatewayCurrency  string
	GatewayTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Alerting
	AlertWebhookURL  string
	TicketWebhookURL string
	NATSURL          string
	AlertSubject     string

	// Observability
	OTelEndpoint string

	// Security
	AdminSecret    string
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultReservationTTL     = 5 * time.Minute
	DefaultJanitorInterval    = time.Hour
	DefaultEscrowHoldPeriod   = 7 * 24 * time.Hour
	DefaultEscrowInterval     = time.Hour
	DefaultEscrowBatchSize    = 50
	DefaultReconcileInterval  = 24 * time.Hour
	DefaultReconcileThreshold = "100"
	DefaultReconcileTimezone  = "Asia/Kolkata"
	DefaultGatewayCurrency    = "inr"
	DefaultGatewayTimeout     = 10 * time.Second
	DefaultAlertSubject       = "notemarket.alerts"
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	threshold, err := decimal.NewFromString(getEnv("RECONCILE_THRESHOLD", DefaultReconcileThreshold))
	if err != nil {
		return nil, fmt.Errorf("RECONCILE_THRESHOLD: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:     int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		DBMaxIdleConns:     int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultDBMaxIdleConns)),
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", false),
		LockBackend:        strings.ToLower(getEnv("LOCK_BACKEND", "")),
		ReservationTTL:     getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		JanitorInterval:    getEnvDuration("JANITOR_INTERVAL", DefaultJanitorInterval),
		EscrowHoldPeriod:   getEnvDuration("ESCROW_HOLD_PERIOD", DefaultEscrowHoldPeriod),
		EscrowInterval:     getEnvDuration("ESCROW_INTERVAL", DefaultEscrowInterval),
		EscrowBatchSize:    int(getEnvInt64("ESCROW_BATCH_SIZE", DefaultEscrowBatchSize)),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileThreshold: threshold,
		ReconcileTimezone:  getEnv("RECONCILE_TIMEZONE", DefaultReconcileTimezone),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		GatewayCurrency:    strings.ToLower(getEnv("GATEWAY_CURRENCY", DefaultGatewayCurrency)),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		BreakerThreshold:   int(getEnvInt64("GATEWAY_BREAKER_THRESHOLD", 5)),
		BreakerCooldown:    getEnvDuration("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		TicketWebhookURL:   os.Getenv("TICKET_WEBHOOK_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		AlertSubject:       getEnv("ALERT_SUBJECT", DefaultAlertSubject),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", 60)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 10)),
	}

	if cfg.LockBackend == "" {
		if cfg.DatabaseURL != "" {
			cfg.LockBackend = LockBackendPostgres
		} else {
			cfg.LockBackend = LockBackendMemory
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	switch c.LockBackend {
	case LockBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("LOCK_BACKEND=postgres requires DATABASE_URL")
		}
	case LockBackendMemory:
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockBackendPostgres, LockBackendMemory, c.LockBackend)
	}

	if c.ReservationTTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive")
	}
	if c.JanitorInterval <= 0 || c.EscrowInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	if c.EscrowHoldPeriod < 0 {
		return fmt.Errorf("ESCROW_HOLD_PERIOD must not be negative")
	}
	if c.EscrowBatchSize <= 0 {
		return fmt.Errorf("ESCROW_BATCH_SIZE must be positive")
	}
	if c.ReconcileThreshold.IsNegative() {
		return fmt.Errorf("RECONCILE_THRESHOLD must not be negative")
	}
	if _, err := time.LoadLocation(c.ReconcileTimezone); err != nil {
		return fmt.Errorf("RECONCILE_TIMEZONE %q: %w", c.ReconcileTimezone, err)
	}

	return nil
}

// Location returns the reconciliation time zone. Validate has already
// confirmed it loads; UTC is the fallback for configs built by hand.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ReconcileTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
