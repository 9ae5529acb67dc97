package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aihive/pkg/bus"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, bus.TypeMemory, cfg.Queue.Type)
	assert.Equal(t, 300*time.Second, cfg.Scan.Interval)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, ProviderRules, cfg.Agent.Provider)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
queue:
  type: nats
  url: nats://localhost:4222
scan:
  interval: 60s
agent:
  provider: anthropic
  model: claude-sonnet-4-20250514
  api_key: test-key
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, bus.TypeNATS, cfg.Queue.Type)
	assert.Equal(t, "nats://localhost:4222", cfg.Queue.URL)
	assert.Equal(t, 60*time.Second, cfg.Scan.Interval)
	assert.Equal(t, "anthropic", cfg.Agent.Provider)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Scan, cfg.Scan)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://env-host:4222")
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
queue:
  type: nats
agent:
  provider: anthropic
  model: claude-sonnet-4-20250514
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://env-host:4222", cfg.Queue.URL)
	assert.Equal(t, "env-key", cfg.Agent.APIKey)
}

func TestEnvDoesNotClobberFileKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	cfg := Default()
	cfg.Agent.Provider = "anthropic"
	cfg.Agent.Model = "claude-sonnet-4-20250514"
	cfg.Agent.APIKey = "file-key"
	cfg.applyEnv()

	assert.Equal(t, "file-key", cfg.Agent.APIKey)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown queue type", func(c *Config) { c.Queue.Type = "kafka" }},
		{"nats without url", func(c *Config) { c.Queue.Type = bus.TypeNATS }},
		{"zero scan interval", func(c *Config) { c.Scan.Interval = 0 }},
		{"negative poll interval", func(c *Config) { c.Poll.Interval = -time.Second }},
		{"empty pool", func(c *Config) { c.Poll.Pool = "" }},
		{"unknown provider", func(c *Config) { c.Agent.Provider = "bard" }},
		{"llm provider without model", func(c *Config) { c.Agent.Provider = "openai"; c.Agent.Model = "" }},
		{"empty log directory", func(c *Config) { c.Monitor.LogDirectory = "" }},
		{"empty db path", func(c *Config) { c.Storage.DBPath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
