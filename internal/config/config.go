// Package config holds the runtime configuration for the tracker: the
// upstream transit API, the downstream notification endpoint, the store
// location, and the reconciliation tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all the configuration settings for our application.
type Config struct {
	Port int    `validate:"required,min=1,max=65535"`
	Env  string `validate:"required,oneof=development staging production"`

	DatabasePath string `validate:"required"`

	TransitBaseURL string `validate:"required,url"`
	TransitAPIKey  string `validate:"required"`
	// TransitTimezone is the agency's local zone; upstream timestamps
	// carry no offset.
	TransitTimezone string `validate:"required"`

	NotifyEndpoint string `validate:"omitempty,url"`
	NotifyAPIKey   string `validate:"required_with=NotifyEndpoint"`

	// GroupSize bounds how many vehicles a prediction group may hold.
	GroupSize int `validate:"required,min=1"`
	// VehicleBatchSize bounds how many vehicle IDs go into one upstream
	// telemetry or prediction call.
	VehicleBatchSize int `validate:"required,min=1,max=10"`

	PollInterval  time.Duration `validate:"required"`
	AuditInterval time.Duration `validate:"required"`

	// DormantAfterDays is how long a vehicle stays offline before it is
	// moved to the dormant partition.
	DormantAfterDays int `validate:"required,min=1"`
	// ReviveAfterMinutes is how long the auditor waits after a vehicle
	// went offline before re-polling it.
	ReviveAfterMinutes int `validate:"required,min=1"`
	// StalePredictionHours is the age past which a vehicle with no fresh
	// predictions is pruned from its prediction group.
	StalePredictionHours int `validate:"required,min=1"`
}

// Defaults mirror the production deployment.
const (
	DefaultGroupSize            = 25
	DefaultVehicleBatchSize     = 10
	DefaultPollInterval         = time.Minute
	DefaultAuditInterval        = time.Hour
	DefaultDormantAfterDays     = 3
	DefaultReviveAfterMinutes   = 10
	DefaultStalePredictionHours = 12
)

// Load builds a Config from the environment, applying defaults for the
// tunables and validating the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 envInt("PORT", 4000),
		Env:                  envString("ENV", "development"),
		DatabasePath:         envString("DATABASE_PATH", "tracker.db"),
		TransitBaseURL:       os.Getenv("TRANSIT_BASE_URL"),
		TransitAPIKey:        os.Getenv("TRANSIT_API_KEY"),
		TransitTimezone:      envString("TRANSIT_TIMEZONE", "America/New_York"),
		NotifyEndpoint:       os.Getenv("NOTIFY_ENDPOINT"),
		NotifyAPIKey:         os.Getenv("NOTIFY_API_KEY"),
		GroupSize:            envInt("GROUP_SIZE", DefaultGroupSize),
		VehicleBatchSize:     envInt("VEHICLE_BATCH_SIZE", DefaultVehicleBatchSize),
		PollInterval:         envDuration("POLL_INTERVAL", DefaultPollInterval),
		AuditInterval:        envDuration("AUDIT_INTERVAL", DefaultAuditInterval),
		DormantAfterDays:     envInt("DORMANT_AFTER_DAYS", DefaultDormantAfterDays),
		ReviveAfterMinutes:   envInt("REVIVE_AFTER_MINUTES", DefaultReviveAfterMinutes),
		StalePredictionHours: envInt("STALE_PREDICTION_HOURS", DefaultStalePredictionHours),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config against its struct tags.
func (cfg *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(cfg.TransitTimezone); err != nil {
		return fmt.Errorf("invalid configuration: TRANSIT_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the agency timezone. Validate must have passed.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.TransitTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
