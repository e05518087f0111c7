// Package config defines the engine's configuration, loaded once at process
// start and immutable thereafter. It follows 12-Factor principles: values
// come from the OS environment, optionally seeded from a .env file for local
// development. A missing required value or invalid format fails startup.
package config

import (
	"time"

	"creditengine/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"credit-engine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Executor  ExecutorConfig
	Ledger    LedgerConfig
	AWS       AWSConfig
	Auth      AuthConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL      SecretString `envconfig:"DATABASE_URL" validate:"required,url"`
	MaxConns int32        `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns int32        `envconfig:"DB_MIN_CONNS" default:"2"`
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	// Interval between ticks.
	Interval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1m"`
	// StaleAfter is how long a running claim may live before the sweep
	// fails it and frees the period for re-claiming.
	StaleAfter time.Duration `envconfig:"SCHEDULER_STALE_AFTER" default:"30m"`
	// AutoStart starts the loop on boot; otherwise an operator starts it
	// via the API.
	AutoStart bool `envconfig:"SCHEDULER_AUTO_START" default:"true"`
}

// ExecutorConfig tunes the batch executor.
type ExecutorConfig struct {
	Concurrency  int `envconfig:"EXECUTOR_CONCURRENCY" default:"10"`
	PageSize     int `envconfig:"EXECUTOR_PAGE_SIZE" default:"200"`
	GrantRetries int `envconfig:"EXECUTOR_GRANT_RETRIES" default:"2"`
}

// LedgerConfig holds the credit ledger service connection settings.
type LedgerConfig struct {
	BaseURL    string        `envconfig:"LEDGER_BASE_URL" validate:"required,url"`
	ServiceKey SecretString  `envconfig:"LEDGER_SERVICE_KEY" validate:"required"`
	Timeout    time.Duration `envconfig:"LEDGER_TIMEOUT" default:"10s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
// EventsQueueURL and metrics are optional; when unset the engine runs
// without event publishing or CloudWatch metrics.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventsQueueURL string `envconfig:"SQS_EXECUTION_EVENTS"`
	MetricsEnabled bool   `envconfig:"CLOUDWATCH_METRICS_ENABLED" default:"false"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// AuthConfig holds the admin API key hash. The plain key is never
// configured; only its bcrypt hash is.
type AuthConfig struct {
	AdminKeyHash SecretString `envconfig:"ADMIN_KEY_HASH" validate:"required"`
}
