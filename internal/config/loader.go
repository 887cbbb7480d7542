package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads configuration from the environment, layering a .env file in
// non-production setups. All timestamps in the system are UTC; the process
// timezone is pinned here so time.Now agrees with the database.
func Load() (*Config, error) {
	time.Local = time.UTC

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.IsProduction() && cfg.Gateways.AllowUnverifiedCallbacks {
		return nil, fmt.Errorf("GATEWAY_ALLOW_UNVERIFIED_CALLBACKS must be false in production")
	}
	if cfg.Dunning.SuspensionDays >= cfg.Dunning.DeactivationDays {
		return nil, fmt.Errorf("DUNNING_SUSPENSION_DAYS (%d) must be less than DUNNING_DEACTIVATION_DAYS (%d)",
			cfg.Dunning.SuspensionDays, cfg.Dunning.DeactivationDays)
	}
	if len(cfg.Dunning.RetryDays) == 0 {
		return nil, fmt.Errorf("DUNNING_RETRY_DAYS must name at least one retry day")
	}

	return &cfg, nil
}
