package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig loads and validates the engine configuration.
//
// Steps, in order:
//  1. Enforce UTC for the process to prevent time-of-day drift in period
//     key and due-time math.
//  2. Load a .env file if present (non-fatal if missing, never overrides
//     existing environment variables).
//  3. Process envconfig struct tags.
//  4. Validate the populated struct; any violation fails startup.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig runs struct-tag validation and renders violations with
// their env-var context for fast startup diagnostics.
func validateConfig(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(cfg)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("config: field %s failed rule %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("config: validation failed: %w", err)
}
