package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/joho/godotenv/autoload"
)

type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Schema   string
}

// DSN builds the pgx connection string.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.Schema,
	)
}

type Gateway struct {
	Mode      string // live or mock
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

type Mail struct {
	From     string
	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
}

type Config struct {
	Port               string
	LogLevel           slog.Level
	CORSAllowedOrigins []string

	Database Database
	Gateway  Gateway
	Mail     Mail

	Currency  string
	ReturnURL string

	CommissionRate         decimal.Decimal
	CommissionMaturityDays int
	StockExhaustedPolicy   string
	PendingOrderTTL        time.Duration
	ReconcileInterval      time.Duration
	ReconcileStaleAfter    time.Duration

	RedisAddr     string
	KafkaBrokers  string
	KafkaTopic    string
	WebhookSecret string
}

const (
	PolicyCancel = "cancel"
	PolicyHold   = "hold"
)

// Load reads configuration from the environment (and .env through godotenv autoload).
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		CORSAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		Database: Database{
			Host:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
			Port:     getEnv("BLUEPRINT_DB_PORT", "5432"),
			User:     os.Getenv("BLUEPRINT_DB_USERNAME"),
			Password: os.Getenv("BLUEPRINT_DB_PASSWORD"),
			Name:     os.Getenv("BLUEPRINT_DB_DATABASE"),
			Schema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		},
		Gateway: Gateway{
			Mode:      getEnv("GATEWAY_MODE", "mock"),
			BaseURL:   getEnv("GATEWAY_BASE_URL", "https://api.paymongo.com/v1"),
			SecretKey: os.Getenv("GATEWAY_SECRET_KEY"),
		},
		Mail: Mail{
			From:     getEnv("MAIL_FROM", "orders@localhost"),
			SMTPHost: os.Getenv("SMTP_HOST"),
			SMTPPort: getEnv("SMTP_PORT", "587"),
			SMTPUser: os.Getenv("SMTP_USERNAME"),
			SMTPPass: os.Getenv("SMTP_PASSWORD"),
		},
		Currency:             getEnv("CURRENCY", "PHP"),
		ReturnURL:            getEnv("PAYMENT_RETURN_URL", "http://localhost:3000/checkout/status"),
		StockExhaustedPolicy: getEnv("STOCK_EXHAUSTED_POLICY", PolicyCancel),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		KafkaBrokers:         os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "storefront.orders"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
	}

	var err error
	if cfg.Gateway.Timeout, err = getDuration("GATEWAY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PendingOrderTTL, err = getDuration("PENDING_ORDER_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileStaleAfter, err = getDuration("RECONCILE_STALE_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}

	if cfg.CommissionRate, err = decimal.NewFromString(getEnv("COMMISSION_RATE", "0.10")); err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: %w", err)
	}
	if cfg.CommissionMaturityDays, err = strconv.Atoi(getEnv("COMMISSION_MATURITY_BUSINESS_DAYS", "4")); err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_MATURITY_BUSINESS_DAYS: %w", err)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gateway.Mode != "live" && c.Gateway.Mode != "mock" {
		return fmt.Errorf("GATEWAY_MODE must be live or mock, got %q", c.Gateway.Mode)
	}
	if c.Gateway.Mode == "live" && c.Gateway.SecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required in live mode")
	}
	if c.StockExhaustedPolicy != PolicyCancel && c.StockExhaustedPolicy != PolicyHold {
		return fmt.Errorf("STOCK_EXHAUSTED_POLICY must be cancel or hold, got %q", c.StockExhaustedPolicy)
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be between 0 and 1")
	}
	return nil
}

// NewLogger builds the JSON logger every component receives.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
