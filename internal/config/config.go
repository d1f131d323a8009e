package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AMQPURL        string   `mapstructure:"AMQP_URL"`
	AMQPExchange   string   `mapstructure:"AMQP_EXCHANGE"`
	AMQPQueue      string   `mapstructure:"AMQP_QUEUE"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	OTELEndpoint   string   `mapstructure:"OTEL_ENDPOINT"`

	GatewayProvider    string        `mapstructure:"GATEWAY_PROVIDER"`
	Currency           string        `mapstructure:"CURRENCY"`
	GatewayMaxAttempts int           `mapstructure:"GATEWAY_MAX_ATTEMPTS"`
	GatewayRetryDelay  time.Duration `mapstructure:"GATEWAY_RETRY_DELAY"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeSuccessURL    string `mapstructure:"STRIPE_SUCCESS_URL"`
	StripeCancelURL     string `mapstructure:"STRIPE_CANCEL_URL"`

	OmisePublicKey  string `mapstructure:"OMISE_PUBLIC_KEY"`
	OmiseSecretKey  string `mapstructure:"OMISE_SECRET_KEY"`
	OmiseSourceType string `mapstructure:"OMISE_SOURCE_TYPE"`
	OmiseReturnURI  string `mapstructure:"OMISE_RETURN_URI"`

	SyncInterval   time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncStaleAfter time.Duration `mapstructure:"SYNC_STALE_AFTER"`
	SyncBatchSize  int           `mapstructure:"SYNC_BATCH_SIZE"`
	NoShowCheckAt  string        `mapstructure:"NOSHOW_CHECK_AT"`
	LockTTL        time.Duration `mapstructure:"LOCK_TTL"`
	Timezone       string        `mapstructure:"TIMEZONE"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `mapstructure:"TELEGRAM_CHAT_ID"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "AMQP_EXCHANGE", "AMQP_QUEUE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OTEL_ENDPOINT",
	"GATEWAY_PROVIDER", "CURRENCY", "GATEWAY_MAX_ATTEMPTS", "GATEWAY_RETRY_DELAY",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_SUCCESS_URL", "STRIPE_CANCEL_URL",
	"OMISE_PUBLIC_KEY", "OMISE_SECRET_KEY", "OMISE_SOURCE_TYPE", "OMISE_RETURN_URI",
	"SYNC_INTERVAL", "SYNC_STALE_AFTER", "SYNC_BATCH_SIZE", "NOSHOW_CHECK_AT", "LOCK_TTL", "TIMEZONE",
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AMQP_EXCHANGE", "clinic.events")
	v.SetDefault("AMQP_QUEUE", "clinic.payment-reconcile")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("GATEWAY_PROVIDER", "fake")
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("GATEWAY_MAX_ATTEMPTS", 5)
	v.SetDefault("GATEWAY_RETRY_DELAY", "2s")
	v.SetDefault("STRIPE_SUCCESS_URL", "http://localhost:8000/payments/success")
	v.SetDefault("STRIPE_CANCEL_URL", "http://localhost:8000/payments/cancel")
	v.SetDefault("OMISE_SOURCE_TYPE", "promptpay")
	v.SetDefault("OMISE_RETURN_URI", "http://localhost:8000/payments/success")
	v.SetDefault("SYNC_INTERVAL", "30m")
	v.SetDefault("SYNC_STALE_AFTER", "15m")
	v.SetDefault("SYNC_BATCH_SIZE", 200)
	v.SetDefault("NOSHOW_CHECK_AT", "19:00")
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("TIMEZONE", "UTC")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, requests without a token get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NoShowCheckTime parses NOSHOW_CHECK_AT ("HH:MM") into an hour and minute.
func (c *Config) NoShowCheckTime() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.NoShowCheckAt)
	if err != nil {
		return 0, 0, fmt.Errorf("NOSHOW_CHECK_AT must be HH:MM, got %q", c.NoShowCheckAt)
	}
	return t.Hour(), t.Minute(), nil
}

// Location loads TIMEZONE, which anchors the daily no-show check and the
// times shown in admin notifications.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	switch c.GatewayProvider {
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when GATEWAY_PROVIDER is \"stripe\"")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when GATEWAY_PROVIDER is \"stripe\"")
		}
	case "omise":
		if c.OmisePublicKey == "" || c.OmiseSecretKey == "" {
			return fmt.Errorf("OMISE_PUBLIC_KEY and OMISE_SECRET_KEY are required when GATEWAY_PROVIDER is \"omise\"")
		}
	case "fake":
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_PROVIDER \"fake\" is not allowed in production")
		}
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be \"stripe\", \"omise\", or \"fake\", got %q", c.GatewayProvider)
	}

	if c.Currency == "" {
		return fmt.Errorf("CURRENCY must not be empty")
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1, got %d", c.GatewayMaxAttempts)
	}
	if c.SyncStaleAfter <= 0 {
		return fmt.Errorf("SYNC_STALE_AFTER must be positive")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}
	if _, _, err := c.NoShowCheckTime(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
