package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Brain.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("unexpected base URL: %s", cfg.Brain.BaseURL)
	}
	if cfg.Brain.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("unexpected api key env: %s", cfg.Brain.APIKeyEnv)
	}
	if cfg.Session.Backend != "file" {
		t.Errorf("expected file session backend, got %s", cfg.Session.Backend)
	}
	if cfg.Memory.Backend != "none" {
		t.Errorf("expected no memory backend, got %s", cfg.Memory.Backend)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "troupe.toml")
	os.WriteFile(path, []byte(`
[brain]
base_url = "http://localhost:11434/v1"
model = "llama3"
rpm = 60

[session]
backend = "sqlite"

[observer]
enabled = true
endpoint = "http://localhost:4318"
`), 0644)

	cfg := Load(path)
	if cfg.Brain.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("expected local base URL, got %s", cfg.Brain.BaseURL)
	}
	if cfg.Brain.Model != "llama3" {
		t.Errorf("expected llama3, got %s", cfg.Brain.Model)
	}
	if cfg.Brain.RPM != 60 {
		t.Errorf("expected rpm 60, got %d", cfg.Brain.RPM)
	}
	if !cfg.Observer.Enabled || cfg.Observer.Endpoint != "http://localhost:4318" {
		t.Errorf("observer config not loaded: %+v", cfg.Observer)
	}
	// Defaults preserved
	if cfg.Brain.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("default should be preserved, got %s", cfg.Brain.APIKeyEnv)
	}
	// Fallback: sqlite backend without a path gets one
	if cfg.Session.Path != "troupe-sessions.db" {
		t.Errorf("expected sqlite path fallback, got %s", cfg.Session.Path)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TROUPE_BASE_URL", "http://env-host/v1")
	t.Setenv("TROUPE_MODEL", "env-model")
	t.Setenv("TROUPE_MEMORY_BACKEND", "chromem")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Brain.BaseURL != "http://env-host/v1" {
		t.Errorf("expected env base URL, got %s", cfg.Brain.BaseURL)
	}
	if cfg.Brain.Model != "env-model" {
		t.Errorf("expected env-model, got %s", cfg.Brain.Model)
	}
	if cfg.Memory.Backend != "chromem" {
		t.Errorf("expected chromem, got %s", cfg.Memory.Backend)
	}
	// Fallback: chromem backend without a path gets one
	if cfg.Memory.Path != "troupe-memory" {
		t.Errorf("expected chromem path fallback, got %s", cfg.Memory.Path)
	}
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("TEST_TROUPE_KEY", "sk-test")

	cfg := Default()
	cfg.Brain.APIKeyEnv = "TEST_TROUPE_KEY"
	if got := cfg.APIKey(); got != "sk-test" {
		t.Errorf("APIKey() = %q, want sk-test", got)
	}

	cfg.Brain.APIKeyEnv = ""
	if got := cfg.APIKey(); got != "" {
		t.Errorf("APIKey() with empty env name = %q, want empty", got)
	}
}

func TestPricingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "troupe.toml")
	os.WriteFile(path, []byte(`
[observer]
enabled = true

[observer.pricing."my-model"]
input = 1.5
output = 6.0
`), 0644)

	cfg := Load(path)
	p, ok := cfg.Observer.Pricing["my-model"]
	if !ok {
		t.Fatal("pricing entry missing")
	}
	if p.Input != 1.5 || p.Output != 6.0 {
		t.Errorf("pricing = %+v", p)
	}
}
