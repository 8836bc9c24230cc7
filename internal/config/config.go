// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/trade"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" env-default:"8080"`
	Env       string `env:"ENV" env-default:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"json"`

	// Database (optional, uses in-memory if not set)
	DatabaseURL string `env:"DATABASE_URL"`

	// Security
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	AdminSecret   string `env:"ADMIN_SECRET"`
	RateLimitRPS  int    `env:"RATE_LIMIT_RPS" env-default:"100"`

	// Browser origins allowed to call the API (empty allows any)
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:","`

	// Payment gateway status API (pull verification disabled if BaseURL is empty)
	GatewayBaseURL string        `env:"GATEWAY_BASE_URL"`
	GatewayAPIKey  string        `env:"GATEWAY_API_KEY"`
	GatewaySiteID  string        `env:"GATEWAY_SITE_ID"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" env-default:"10s"`
	VerifyAfter    time.Duration `env:"VERIFY_AFTER" env-default:"5m"`

	// Outbox delivery (events are only logged if no brokers are set)
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" env-separator:","`
	NotificationTopic string        `env:"NOTIFICATION_TOPIC" env-default:"escrow.notifications"`
	SanctionsTopic    string        `env:"SANCTIONS_TOPIC" env-default:"escrow.sanctions"`
	ChatTopic         string        `env:"CHAT_TOPIC" env-default:"escrow.chat"`
	OutboxInterval    time.Duration `env:"OUTBOX_INTERVAL" env-default:"2s"`
	OutboxMaxAttempts int           `env:"OUTBOX_MAX_ATTEMPTS" env-default:"10"`

	// Lifecycle
	SellerShare       string        `env:"SELLER_SHARE" env-default:"0.90"`
	PendingTimeout    time.Duration `env:"PENDING_TIMEOUT" env-default:"30m"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" env-default:"2h"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" env-default:"1m"`
	DisputeWindow     time.Duration `env:"DISPUTE_WINDOW" env-default:"72h"`
	RefundItemPolicy  string        `env:"REFUND_ITEM_POLICY" env-default:"relist"`

	// Tracing (disabled if empty)
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables and validates it
// for the API server.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads .env if present (for local development) and parses the
// environment without validating it. Tools that need only part of the
// configuration check their own fields.
func Read() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration is present and consistent
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	share, err := c.SellerShareDecimal()
	if err != nil {
		return err
	}
	if !share.IsPositive() || share.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("SELLER_SHARE must be in (0, 1], got %s", c.SellerShare)
	}

	if !trade.RefundItemPolicy(c.RefundItemPolicy).Valid() {
		return fmt.Errorf("REFUND_ITEM_POLICY must be relist or remove, got %q", c.RefundItemPolicy)
	}

	for name, d := range map[string]time.Duration{
		"PENDING_TIMEOUT":    c.PendingTimeout,
		"PROCESSING_TIMEOUT": c.ProcessingTimeout,
		"REAPER_INTERVAL":    c.ReaperInterval,
		"DISPUTE_WINDOW":     c.DisputeWindow,
		"OUTBOX_INTERVAL":    c.OutboxInterval,
		"GATEWAY_TIMEOUT":    c.GatewayTimeout,
		"VERIFY_AFTER":       c.VerifyAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.VerifyAfter >= c.PendingTimeout {
		return fmt.Errorf("VERIFY_AFTER (%s) must be shorter than PENDING_TIMEOUT (%s)", c.VerifyAfter, c.PendingTimeout)
	}

	if c.GatewayBaseURL != "" && !strings.HasPrefix(c.GatewayBaseURL, "http") {
		return fmt.Errorf("GATEWAY_BASE_URL must be an http(s) URL")
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// SellerShareDecimal parses SELLER_SHARE.
func (c *Config) SellerShareDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.SellerShare)
	if err != nil {
		return decimal.Zero, fmt.Errorf("SELLER_SHARE is not a decimal: %w", err)
	}
	return d, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
