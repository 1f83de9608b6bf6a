// Package config defines the global configuration for the Lumina billing
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally seeded by a local dotenv file. Any missing
// required value or invalid format fails startup immediately.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"lumina/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"lumina-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server  ServerConfig
	Redis   RedisConfig
	Billing BillingConfig
	Auth    AuthConfig
	Sweep   SweepConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// RedisConfig holds key-value store connection and timeout parameters.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL" default:"redis://localhost:6379/0" validate:"required"`
	RetryAttempts  int           `envconfig:"REDIS_RETRY_ATTEMPTS" default:"3"`
	RetryInterval  time.Duration `envconfig:"REDIS_RETRY_INTERVAL" default:"2s"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"15s"`
	// OpTimeout bounds every individual store operation so a slow Redis
	// surfaces as a retryable error instead of a hung request.
	OpTimeout time.Duration `envconfig:"REDIS_OP_TIMEOUT" default:"2s"`
}

// BillingConfig holds Stripe integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// AuthConfig holds the session-token verification secret. Token issuance is
// owned by the external auth provider; this service only verifies.
type AuthConfig struct {
	TokenSecret SecretString `envconfig:"AUTH_TOKEN_SECRET" validate:"required"`
}

// SweepConfig controls the scheduled renewal sweep.
type SweepConfig struct {
	// Secret authenticates the scheduler's POST /internal/renewal-sweep call
	// via the X-Sweep-Secret header.
	Secret SecretString `envconfig:"SWEEP_SECRET" validate:"required"`
	// Concurrency bounds how many users are reconciled in parallel.
	Concurrency int `envconfig:"SWEEP_CONCURRENCY" default:"8" validate:"min=1,max=64"`
	// ScanBatch is the COUNT hint for each key-space scan page.
	ScanBatch int64 `envconfig:"SWEEP_SCAN_BATCH" default:"200" validate:"min=1"`
}

// Load reads configuration from the environment. A .env file, if present, is
// loaded first without overriding already-set variables (local development
// convenience; a missing file is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}
