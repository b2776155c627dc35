// Package config loads CLI and daemon settings. Precedence is
// flags > environment > config file > defaults; the flag layer is applied
// by the command that owns the flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full settings tree.
type Config struct {
	LLM    LLMConfig    `yaml:"llm"`
	Worker WorkerConfig `yaml:"worker"`
	Remote RemoteConfig `yaml:"remote"`
	Log    LogConfig    `yaml:"log"`
}

// LLMConfig selects and authenticates the model provider.
type LLMConfig struct {
	// Provider forces a dialect ("anthropic" or "openai"). Empty selects
	// by model name.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	MaxTokens int `yaml:"max_tokens"`

	Thinking ThinkingConfig `yaml:"thinking"`
}

// ThinkingConfig toggles extended thinking on providers that support it.
type ThinkingConfig struct {
	Enabled bool `yaml:"enabled"`
	Budget  int  `yaml:"budget"`
}

// WorkerConfig tunes the local daemon.
type WorkerConfig struct {
	// Dir overrides the state directory (socket, db, pid, log).
	Dir string `yaml:"dir"`

	SessionRetention time.Duration `yaml:"session_retention"`

	// Maintenance is the cron spec for the daemon's cleanup job.
	Maintenance string `yaml:"maintenance"`
}

// RemoteConfig tunes SSH bootstrap of remote workers.
type RemoteConfig struct {
	Runtime        string        `yaml:"runtime"`
	InstallCommand string        `yaml:"install_command"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// LogConfig tunes logging.
type LogConfig struct {
	// Level is the slog level: debug, info, warn, error.
	Level string `yaml:"level"`

	// AgentLog is the agent transcript capture level:
	// summary, tool, llm, full.
	AgentLog string `yaml:"agent_log"`
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".anvil", "config.yaml")
}

func defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Worker: WorkerConfig{
			SessionRetention: 7 * 24 * time.Hour,
			Maintenance:      "@every 10m",
		},
		Remote: RemoteConfig{
			Runtime:        "python3",
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    30 * time.Minute,
		},
		Log: LogConfig{
			Level:    "info",
			AgentLog: "tool",
		},
	}
}

// Load reads the config file at path (or the default location when path is
// empty), overlays environment variables, and returns the result. A missing
// file is not an error; env and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Fine: run on env and defaults.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables. Credentials accept both the
// project's own names and the provider-native ones users already export.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANVIL_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("ANVIL_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("ANVIL_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("ANVIL_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if c.LLM.APIKey == "" {
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			c.LLM.APIKey = v
		} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("ANVIL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the CLI cannot run with.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: no API key; set ANVIL_API_KEY, ANTHROPIC_API_KEY, or OPENAI_API_KEY")
	}
	return nil
}
