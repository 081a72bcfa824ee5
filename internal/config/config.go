// Package config defines the process configuration for the Tollgate billing service.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"tollgate/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types just to unmask a credential.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"tollgate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Sweeper  SweeperConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the fast-read cache connection. An empty Addr disables
// the cache; every read then goes to Postgres.
type RedisConfig struct {
	Addr           string        `envconfig:"REDIS_ADDR"`
	Password       SecretString  `envconfig:"REDIS_PASSWORD"`
	DB             int           `envconfig:"REDIS_DB" default:"0"`
	EntitlementTTL time.Duration `envconfig:"REDIS_ENTITLEMENT_TTL" default:"10m" validate:"gt=0"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	NoticeQueueURL  string `envconfig:"SQS_BILLING_NOTICES" validate:"omitempty,url"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Tollgate"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials and the billing surface settings.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeBaseURL       string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	GatewayTimeout      time.Duration `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"10s" validate:"gt=0,lte=60s"`

	// Redirect targets for checkout and portal (no trailing slash).
	DashboardURL string `envconfig:"BILLING_DASHBOARD_URL" validate:"required,url"`

	// PortalConfigVersion keys the cached portal configuration id. Bump it
	// whenever the portal feature set changes.
	PortalConfigVersion string `envconfig:"BILLING_PORTAL_CONFIG_VERSION" default:"v1"`
}

// SweeperConfig tunes the scheduled reconciliation sweep.
type SweeperConfig struct {
	Interval    time.Duration `envconfig:"SWEEPER_INTERVAL" default:"1h" validate:"gt=0"`
	Staleness   time.Duration `envconfig:"SWEEPER_STALENESS" default:"24h" validate:"gt=0"`
	BatchLimit  int           `envconfig:"SWEEPER_BATCH_LIMIT" default:"50" validate:"gt=0"`
	Concurrency int           `envconfig:"SWEEPER_CONCURRENCY" default:"4" validate:"gt=0"`

	// Processed webhook ids older than this are purged by the sweep.
	WebhookRetention time.Duration `envconfig:"WEBHOOK_EVENT_RETENTION" default:"720h" validate:"gt=0"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
