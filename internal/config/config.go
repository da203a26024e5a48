package config

import (
	"encoding/json"
	"fmt"
	"os"

	"flack/internal/constants"
	"flack/internal/models"
	"flack/internal/security"
)

var (
	ErrMissingBackendURL = models.ConfigError{Message: "missing backend base URL"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
)

// LoadConfig reads, validates, and defaults the daemon configuration.
// Environment overrides are applied before validation so a partial config
// file plus environment variables still yields a complete config.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateLocalPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateLocalPath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Backend.BaseURL == "" {
		return ErrMissingBackendURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Backend.AuthTokenFile != "" {
		if err := security.ValidateLocalPath(c.Backend.AuthTokenFile); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid auth token file path: %v", err)}
		}
	}
	if err := security.ValidateLocalPath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	if c.Queue.Capacity < 0 {
		return models.ConfigError{Message: "queue capacity cannot be negative"}
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = constants.DefaultQueueCapacity
	}
	if c.Queue.PersistDebounceMs <= 0 {
		c.Queue.PersistDebounceMs = constants.DefaultPersistDebounceMs
	}
	if c.Queue.SendTimeoutSec <= 0 {
		c.Queue.SendTimeoutSec = constants.DefaultSendTimeoutSec
	}
	if c.Queue.StaleThresholdMin <= 0 {
		c.Queue.StaleThresholdMin = constants.DefaultStaleThresholdMin
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return models.ConfigError{Message: "max backoff cannot be below initial backoff"}
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxSendAttempts
	}

	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Connectivity.ProbeIntervalSec <= 0 {
		c.Connectivity.ProbeIntervalSec = constants.DefaultProbeIntervalSec
	}
	if c.Connectivity.ProbeTimeoutSec <= 0 {
		c.Connectivity.ProbeTimeoutSec = constants.DefaultProbeTimeoutSec
	}

	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 1.0
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("FLACK_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if path := os.Getenv("FLACK_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if path := os.Getenv("FLACK_AUTH_TOKEN_FILE"); path != "" {
		c.Backend.AuthTokenFile = path
	}
}

// validateSecurity enforces the production posture.
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("FLACK_ENV") == "production"

	if isProduction {
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (message content may reach logs)"}
		}
		if os.Getenv("FLACK_ENABLE_ENCRYPTION") == "true" && os.Getenv("FLACK_ENCRYPTION_SECRET") == "" {
			return models.ConfigError{Message: "FLACK_ENCRYPTION_SECRET is required when encryption is enabled"}
		}
	}

	return nil
}
