package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	// Point the default config path at an empty home so a developer's real
	// ~/.anvil/config.yaml cannot leak into the test.
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"ANVIL_MODEL", "ANVIL_PROVIDER", "ANVIL_BASE_URL", "ANVIL_API_KEY",
		"ANVIL_LOG_LEVEL", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("explicit missing path should fail")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Fatalf("max tokens default = %d", cfg.LLM.MaxTokens)
	}
	if cfg.Worker.SessionRetention != 7*24*time.Hour || cfg.Worker.Maintenance != "@every 10m" {
		t.Fatalf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Remote.Runtime != "python3" {
		t.Fatalf("remote runtime default = %s", cfg.Remote.Runtime)
	}
	if cfg.Log.Level != "info" || cfg.Log.AgentLog != "tool" {
		t.Fatalf("log defaults = %+v", cfg.Log)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
llm:
  model: claude-sonnet-4-20250514
  api_key: file-key
  max_tokens: 8192
worker:
  session_retention: 48h
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "claude-sonnet-4-20250514" || cfg.LLM.MaxTokens != 8192 {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Worker.SessionRetention != 48*time.Hour {
		t.Fatalf("retention = %s", cfg.Worker.SessionRetention)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Worker.Maintenance != "@every 10m" {
		t.Fatalf("maintenance = %s", cfg.Worker.Maintenance)
	}
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_ANVIL_KEY", "expanded-key")
	path := writeConfig(t, "llm:\n  api_key: ${TEST_ANVIL_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "expanded-key" {
		t.Fatalf("api key = %q", cfg.LLM.APIKey)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "llm:\n  model: from-file\n  api_key: file-key\n")
	t.Setenv("ANVIL_MODEL", "from-env")
	t.Setenv("ANVIL_API_KEY", "env-key")
	t.Setenv("ANVIL_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "from-env" || cfg.LLM.APIKey != "env-key" {
		t.Fatalf("env overlay lost: %+v", cfg.LLM)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
}

func TestProviderNativeKeyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-native")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-ant-native" {
		t.Fatalf("fallback key = %q", cfg.LLM.APIKey)
	}

	// A file-provided key beats the native fallback, but ANVIL_API_KEY
	// beats everything.
	path := writeConfig(t, "llm:\n  api_key: file-key\n")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "file-key" {
		t.Fatalf("file key lost: %q", cfg.LLM.APIKey)
	}

	t.Setenv("ANVIL_API_KEY", "anvil-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "anvil-key" {
		t.Fatalf("ANVIL_API_KEY not authoritative: %q", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "llm: [not a map\n")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty api key accepted")
	}
	cfg.LLM.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
