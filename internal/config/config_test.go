package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
billing:
  base_url: http://billing:9000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "loom.db", cfg.Database.Path)
	assert.Equal(t, "http://billing:9000", cfg.Billing.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Billing.Timeout)
	assert.Equal(t, "mock", cfg.Agents.Backend)
	require.NotNil(t, cfg.Pipeline.AutoApproveAnalysis)
	assert.True(t, *cfg.Pipeline.AutoApproveAnalysis)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 5*time.Second, cfg.Retry.PollInterval)
	assert.Equal(t, time.Minute, cfg.Retry.BillingBaseDelay)
	assert.Equal(t, 5, cfg.Retry.BillingMaxTries)
	assert.Equal(t, 24*time.Hour, cfg.Export.DownloadTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_FullOverride(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
server:
  port: 9999
  shutdown_timeout: 30s
database:
  path: /var/lib/loom/loom.db
billing:
  base_url: http://billing:9000
  timeout: 2s
agents:
  backend: http
  base_url: http://agents:7000
pipeline:
  require_approval: true
  auto_approve_analysis: false
  workers: 8
retry:
  poll_interval: 1s
  billing_base_delay: 30s
  billing_max_tries: 3
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Pipeline.RequireApproval)
	// Explicit false must survive defaulting.
	require.NotNil(t, cfg.Pipeline.AutoApproveAnalysis)
	assert.False(t, *cfg.Pipeline.AutoApproveAnalysis)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, time.Second, cfg.Retry.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Retry.BillingBaseDelay)
	assert.Equal(t, 3, cfg.Retry.BillingMaxTries)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_EnvVarSubstitution(t *testing.T) {
	t.Setenv("LOOM_BILLING_URL", "http://billing.internal:9000")
	t.Setenv("LOOM_GIT_TOKEN", "ghp_secret")

	cfg, err := LoadConfig(writeConfig(t, `
billing:
  base_url: ${LOOM_BILLING_URL}
git:
  token: ${LOOM_GIT_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "http://billing.internal:9000", cfg.Billing.BaseURL)
	assert.Equal(t, "ghp_secret", cfg.Git.Token)
}

func TestLoadConfig_UnresolvedEnvVar(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
billing:
  base_url: ${LOOM_MISSING_VAR}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "${LOOM_MISSING_VAR}")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LOOM_SET", "value")

	out, err := expandEnv("a=${LOOM_SET}")
	require.NoError(t, err)
	assert.Equal(t, "a=value", out)

	_, err = expandEnv("a=${LOOM_SET} b=${LOOM_NOT_SET_ANYWHERE}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "${LOOM_NOT_SET_ANYWHERE}")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Billing.BaseURL = "http://billing:9000"
		ApplyDefaults(cfg)
		return cfg
	}

	require.NoError(t, Validate(base()))

	cfg := base()
	cfg.Billing.BaseURL = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing.base_url is required")

	cfg = base()
	cfg.Agents.Backend = "carrier-pigeon"
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.backend")

	cfg = base()
	cfg.Agents.Backend = "http"
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.base_url is required")

	cfg = base()
	cfg.Server.Port = 99999
	cfg.Logging.Level = "loud"
	err = Validate(cfg)
	require.Error(t, err)
	// Errors accumulate rather than stopping at the first.
	assert.True(t, strings.Contains(err.Error(), "server.port") &&
		strings.Contains(err.Error(), "logging.level"))
}
