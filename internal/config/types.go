package config

import "time"

// Config is the top-level configuration for the pipeline service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Billing   BillingConfig   `yaml:"billing"`
	Agents    AgentsConfig    `yaml:"agents"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retry     RetryConfig     `yaml:"retry"`
	Export    ExportConfig    `yaml:"export"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Git       GitConfig       `yaml:"git"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BillingConfig holds the billing peer-service settings.
type BillingConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentsConfig selects the agent execution backend.
type AgentsConfig struct {
	Backend string `yaml:"backend"` // mock|http
	BaseURL string `yaml:"base_url"`
}

// PipelineConfig holds the approval-gate settings. AutoApproveAnalysis
// is a pointer so an omitted key defaults to true while an explicit
// false still disables it.
type PipelineConfig struct {
	RequireApproval     bool  `yaml:"require_approval"`
	AutoApproveAnalysis *bool `yaml:"auto_approve_analysis"`
	Workers             int   `yaml:"workers"`
	QueueDepth          int   `yaml:"queue_depth"`
}

// RetryConfig holds the retry worker and billing-retry settings.
type RetryConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	BillingBaseDelay time.Duration `yaml:"billing_base_delay"`
	BillingMaxTries  int           `yaml:"billing_max_tries"`
}

// ExportConfig holds the export archive settings.
type ExportConfig struct {
	Dir         string        `yaml:"dir"`
	DownloadTTL time.Duration `yaml:"download_ttl"`
}

// ArtifactsConfig holds artifact content storage settings.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// GitConfig holds the git-sync push settings.
type GitConfig struct {
	Token string `yaml:"token"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "loom.db"
	}
	if cfg.Billing.Timeout == 0 {
		cfg.Billing.Timeout = 5 * time.Second
	}
	if cfg.Agents.Backend == "" {
		cfg.Agents.Backend = "mock"
	}
	if cfg.Pipeline.AutoApproveAnalysis == nil {
		autoApprove := true
		cfg.Pipeline.AutoApproveAnalysis = &autoApprove
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueDepth == 0 {
		cfg.Pipeline.QueueDepth = 64
	}
	if cfg.Retry.PollInterval == 0 {
		cfg.Retry.PollInterval = 5 * time.Second
	}
	if cfg.Retry.BillingBaseDelay == 0 {
		cfg.Retry.BillingBaseDelay = time.Minute
	}
	if cfg.Retry.BillingMaxTries == 0 {
		cfg.Retry.BillingMaxTries = 5
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "exports"
	}
	if cfg.Export.DownloadTTL == 0 {
		cfg.Export.DownloadTTL = 24 * time.Hour
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "artifacts"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
