// Package config loads the troupe CLI's application config. This is the
// host-side config (endpoint, storage backends, observability), separate
// from the team definition file the executor runs.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Brain    BrainConfig    `toml:"brain"`
	Session  SessionConfig  `toml:"session"`
	Memory   MemoryConfig   `toml:"memory"`
	Observer ObserverConfig `toml:"observer"`
}

// BrainConfig points the CLI at an OpenAI-compatible endpoint. APIKeyEnv
// names the environment variable holding the key, so the key itself never
// lands in a config file.
type BrainConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKeyEnv      string `toml:"api_key_env"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
	RPM            int    `toml:"rpm"`
	TPM            int    `toml:"tpm"`
}

// SessionConfig selects the session store backend: "file", "sqlite", or
// "postgres". Path is the directory (file backend) or database file
// (sqlite); DSN is the postgres connection string.
type SessionConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

// MemoryConfig selects the memory backend: "none", "sqlite", or "chromem".
type MemoryConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	Endpoint string                     `toml:"endpoint"`
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Brain: BrainConfig{
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "gpt-4o-mini",
		},
		Session: SessionConfig{Backend: "file", Path: "troupe-sessions"},
		Memory:  MemoryConfig{Backend: "none"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "troupe.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TROUPE_BASE_URL"); v != "" {
		cfg.Brain.BaseURL = v
	}
	if v := os.Getenv("TROUPE_MODEL"); v != "" {
		cfg.Brain.Model = v
	}
	if v := os.Getenv("TROUPE_EMBEDDING_MODEL"); v != "" {
		cfg.Brain.EmbeddingModel = v
	}
	if v := os.Getenv("TROUPE_API_KEY_ENV"); v != "" {
		cfg.Brain.APIKeyEnv = v
	}
	if v := os.Getenv("TROUPE_SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
	if v := os.Getenv("TROUPE_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("TROUPE_SESSION_DSN"); v != "" {
		cfg.Session.DSN = v
	}
	if v := os.Getenv("TROUPE_MEMORY_BACKEND"); v != "" {
		cfg.Memory.Backend = v
	}
	if v := os.Getenv("TROUPE_MEMORY_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("TROUPE_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("TROUPE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Session.Backend == "sqlite" && cfg.Session.Path == "" {
		cfg.Session.Path = "troupe-sessions.db"
	}
	if cfg.Memory.Backend == "sqlite" && cfg.Memory.Path == "" {
		cfg.Memory.Path = "troupe-memory.db"
	}
	if cfg.Memory.Backend == "chromem" && cfg.Memory.Path == "" {
		cfg.Memory.Path = "troupe-memory"
	}

	return cfg
}

// APIKey resolves the brain API key from the configured environment variable.
func (c Config) APIKey() string {
	if c.Brain.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Brain.APIKeyEnv)
}
