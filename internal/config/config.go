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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database. Empty uses in-memory stores, "postgres://..." uses
	// PostgreSQL, "sqlite:<path>" uses an embedded SQLite file.
	DatabaseURL string

	// Money
	DefaultCurrency    string
	PlatformAccountID  string // owner id of the per-currency fee wallets
	FeePercent         decimal.Decimal
	FeeFixedCents      int64
	FeePayer           string // "buyer", "seller", "split"
	WithdrawalFeeCents int64

	// Escrow policy
	MilestoneStrictOrder bool
	FundingTimeout       time.Duration // 0 disables auto-cancel of unfunded escrows

	// Identity
	RequireKYC   bool
	KYCMinScore  float64
	DevSMSBypass bool // accept DevSMSCode for phone verification, never in production
	DevSMSCode   string
	AdminAPIKey  string // bootstraps the admin user when set

	// Disputes
	DisputeOpenSLA        time.Duration
	DisputeNegotiationSLA time.Duration
	DisputeMediationSLA   time.Duration
	DisputeSLAInterval    time.Duration

	// Reconciliation
	ReconciliationInterval time.Duration

	// Webhooks
	StripeWebhookSecret string
	KYCWebhookSecret    string
	PayoutWebhookSecret string

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "GHS"
	DefaultPlatformAccount = "platform"
	DefaultFeePercent      = "2"
	DefaultFeePayer        = "buyer"
	DefaultKYCMinScore     = 0.8
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	feePercent, err := decimal.NewFromString(getEnv("FEE_PERCENT", DefaultFeePercent))
	if err != nil {
		return nil, fmt.Errorf("FEE_PERCENT: %w", err)
	}

	env := getEnv("ENV", DefaultEnv)
	logFormat := "text"
	if env == "production" {
		logFormat = "json"
	}

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    env,
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", logFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DefaultCurrency:        strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		PlatformAccountID:      getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccount),
		FeePercent:             feePercent,
		FeeFixedCents:          getEnvInt64("FEE_FIXED_CENTS", 0),
		FeePayer:               getEnv("FEE_PAYER", DefaultFeePayer),
		WithdrawalFeeCents:     getEnvInt64("WITHDRAWAL_FEE_CENTS", 0),
		MilestoneStrictOrder:   getEnvBool("MILESTONE_STRICT_ORDER", false),
		FundingTimeout:         getEnvDuration("FUNDING_TIMEOUT", 72*time.Hour),
		RequireKYC:             getEnvBool("REQUIRE_KYC", true),
		KYCMinScore:            getEnvFloat("KYC_MIN_SCORE", DefaultKYCMinScore),
		DevSMSBypass:           getEnvBool("DEV_SMS_BYPASS", false),
		DevSMSCode:             getEnv("DEV_SMS_CODE", "000000"),
		AdminAPIKey:            os.Getenv("ADMIN_API_KEY"),
		DisputeOpenSLA:         getEnvDuration("DISPUTE_OPEN_SLA", 48*time.Hour),
		DisputeNegotiationSLA:  getEnvDuration("DISPUTE_NEGOTIATION_SLA", 72*time.Hour),
		DisputeMediationSLA:    getEnvDuration("DISPUTE_MEDIATION_SLA", 120*time.Hour),
		DisputeSLAInterval:     getEnvDuration("DISPUTE_SLA_INTERVAL", time.Minute),
		ReconciliationInterval: getEnvDuration("RECONCILIATION_INTERVAL", 15*time.Minute),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		KYCWebhookSecret:       os.Getenv("KYC_WEBHOOK_SECRET"),
		PayoutWebhookSecret:    os.Getenv("PAYOUT_WEBHOOK_SECRET"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent for its environment
func (c *Config) Validate() error {
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code")
	}
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	if c.FeeFixedCents < 0 || c.WithdrawalFeeCents < 0 {
		return fmt.Errorf("fixed fees must not be negative")
	}
	switch c.FeePayer {
	case "buyer", "seller", "split":
	default:
		return fmt.Errorf("FEE_PAYER must be one of buyer, seller, split")
	}
	if c.KYCMinScore < 0 || c.KYCMinScore > 1 {
		return fmt.Errorf("KYC_MIN_SCORE must be between 0 and 1")
	}

	if c.IsProduction() {
		if c.DevSMSBypass {
			return fmt.Errorf("DEV_SMS_BYPASS cannot be enabled in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeWebhookSecret == "" || c.KYCWebhookSecret == "" || c.PayoutWebhookSecret == "" {
			return fmt.Errorf("webhook secrets are required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SMSBypassEnabled reports whether the dev SMS code may be accepted.
func (c *Config) SMSBypassEnabled() bool {
	return c.DevSMSBypass && !c.IsProduction()
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
