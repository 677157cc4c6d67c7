// Package config defines the global configuration structure for the Crewbase
// backend. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally seeded from a .env file in local development.
//
// Any missing required value or invalid format fails the process immediately
// on startup.
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"crewbase-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Cache    CacheConfig
	Sweep    SweepConfig
	Email    EmailConfig
	Push     PushConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string        `envconfig:"PORT" default:"8080"`
	DashboardURL string        `envconfig:"DASHBOARD_URL" validate:"required,url"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL               string        `envconfig:"DATABASE_URL" validate:"required,url"`
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials.
type BillingConfig struct {
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	TrialDays           int    `envconfig:"TRIAL_DAYS" default:"14"`
}

// CacheConfig holds subscription cache settings. When RedisURL is empty the
// process-local in-memory cache is used.
type CacheConfig struct {
	TTL      time.Duration `envconfig:"SUBSCRIPTION_CACHE_TTL" default:"60s"`
	MaxSize  int           `envconfig:"SUBSCRIPTION_CACHE_SIZE" default:"4096"`
	RedisURL string        `envconfig:"CACHE_REDIS_URL"`
}

// SweepConfig holds scheduling for the background expiry sweep and the
// nightly maintenance job.
type SweepConfig struct {
	Schedule              string        `envconfig:"SWEEP_SCHEDULE" default:"@every 10m"`
	Concurrency           int           `envconfig:"SWEEP_CONCURRENCY" default:"8"`
	MaintenanceSchedule   string        `envconfig:"MAINTENANCE_SCHEDULE" default:"@daily"`
	NotificationRetention time.Duration `envconfig:"NOTIFICATION_RETENTION" default:"2160h"`
}

// EmailConfig holds email delivery settings for usage alerts.
type EmailConfig struct {
	SendGridAPIKey string `envconfig:"SENDGRID_API_KEY" validate:"required"`
	FromAddress    string `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@crewbase.io"`
	FromName       string `envconfig:"EMAIL_FROM_NAME" default:"Crewbase Billing"`
}

// PushConfig holds settings for the in-app push gateway.
type PushConfig struct {
	GatewayURL    string `envconfig:"PUSH_GATEWAY_URL" validate:"required,url"`
	SigningSecret string `envconfig:"PUSH_SIGNING_SECRET" validate:"required"`
}
