package config

import (
	"fmt"
	"strings"
)

// validAgentBackends is the set of supported agent execution backends.
var validAgentBackends = map[string]bool{
	"mock": true,
	"http": true,
}

// validLogLevels is the set of supported logging levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the Config for completeness and correctness. Call it
// after ApplyDefaults; it collects every error, prefixed with "config: ".
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("config: server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "config: database.path is required")
	}
	if cfg.Billing.BaseURL == "" {
		errs = append(errs, "config: billing.base_url is required")
	}

	if !validAgentBackends[cfg.Agents.Backend] {
		errs = append(errs, fmt.Sprintf(
			"config: agents.backend '%s' is invalid; must be one of: mock, http", cfg.Agents.Backend))
	}
	if cfg.Agents.Backend == "http" && cfg.Agents.BaseURL == "" {
		errs = append(errs, "config: agents.base_url is required when agents.backend is 'http'")
	}

	if cfg.Pipeline.Workers < 1 || cfg.Pipeline.Workers > 64 {
		errs = append(errs, fmt.Sprintf("config: pipeline.workers must be between 1 and 64, got %d", cfg.Pipeline.Workers))
	}
	if cfg.Retry.PollInterval <= 0 {
		errs = append(errs, "config: retry.poll_interval must be positive")
	}
	if cfg.Retry.BillingMaxTries < 1 || cfg.Retry.BillingMaxTries > 10 {
		errs = append(errs, fmt.Sprintf(
			"config: retry.billing_max_tries must be between 1 and 10, got %d", cfg.Retry.BillingMaxTries))
	}

	if !validLogLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Sprintf(
			"config: logging.level '%s' is invalid; must be one of: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf(
			"config: logging.format '%s' is invalid; must be 'text' or 'json'", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
