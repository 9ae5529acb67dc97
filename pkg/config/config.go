// Package config loads and validates the service configuration. Configs are
// plain values constructed by Load or Default and passed to the components
// that need them; nothing in this package is global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"aihive/pkg/agent/llm"
	"aihive/pkg/bus"
)

// Config is the full service configuration.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Scan    ScanConfig    `yaml:"scan"`
	Poll    PollConfig    `yaml:"poll"`
	Agent   AgentConfig   `yaml:"agent"`
	Monitor MonitorConfig `yaml:"monitor"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// QueueConfig selects and tunes the message channel variant.
type QueueConfig struct {
	Type string `yaml:"type"` // "memory" or "nats"
	URL  string `yaml:"url"`  // NATS server URL, nats variant only
}

// ScanConfig tunes the task scanning service.
type ScanConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PollConfig tunes the task polling service.
type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Pool         string        `yaml:"pool"`
	AgentTimeout time.Duration `yaml:"agent_timeout"`
}

// AgentConfig selects the product manager agent implementation.
// Provider "rules" runs the deterministic agent with no API key needed.
type AgentConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	HostURL  string `yaml:"host_url"` // ollama only
}

// MonitorConfig tunes workflow observation.
type MonitorConfig struct {
	LogDirectory   string        `yaml:"log_directory"`
	MaxEntries     int           `yaml:"max_entries"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	StallThreshold time.Duration `yaml:"stall_threshold"`
}

// StorageConfig locates the task database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ProviderRules selects the deterministic agent.
const ProviderRules = "rules"

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Queue: QueueConfig{Type: bus.TypeMemory},
		Scan:  ScanConfig{Interval: 300 * time.Second},
		Poll: PollConfig{
			Interval:     30 * time.Second,
			Pool:         "product_manager_pool",
			AgentTimeout: 120 * time.Second,
		},
		Agent: AgentConfig{Provider: ProviderRules},
		Monitor: MonitorConfig{
			LogDirectory:   "logs",
			MaxEntries:     1000,
			CheckInterval:  10 * time.Second,
			StallThreshold: 60 * time.Second,
		},
		Storage: StorageConfig{DBPath: "aihive.db"},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path returns defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments supply secrets and endpoints
// without writing them into the config file.
func (c *Config) applyEnv() {
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Queue.URL = url
	}
	if c.Agent.APIKey == "" {
		switch c.Agent.Provider {
		case llm.ProviderAnthropic:
			c.Agent.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case llm.ProviderOpenAI:
			c.Agent.APIKey = os.Getenv("OPENAI_API_KEY")
		case llm.ProviderGemini:
			c.Agent.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Queue.Type {
	case bus.TypeMemory:
	case bus.TypeNATS:
		if c.Queue.URL == "" {
			return fmt.Errorf("queue type nats requires queue.url or NATS_URL")
		}
	default:
		return fmt.Errorf("unknown queue type %q", c.Queue.Type)
	}

	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan.interval must be positive, got %v", c.Scan.Interval)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %v", c.Poll.Interval)
	}
	if c.Poll.AgentTimeout <= 0 {
		return fmt.Errorf("poll.agent_timeout must be positive, got %v", c.Poll.AgentTimeout)
	}
	if c.Poll.Pool == "" {
		return fmt.Errorf("poll.pool must not be empty")
	}

	switch c.Agent.Provider {
	case ProviderRules:
	case llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderOllama, llm.ProviderGemini:
		if c.Agent.Model == "" {
			return fmt.Errorf("agent provider %q requires agent.model", c.Agent.Provider)
		}
	default:
		return fmt.Errorf("unknown agent provider %q", c.Agent.Provider)
	}

	if c.Monitor.LogDirectory == "" {
		return fmt.Errorf("monitor.log_directory must not be empty")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}
	return nil
}
