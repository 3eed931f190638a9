package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// Default Config Tests
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Strategy.TrustMode != "shadow" {
		t.Errorf("Strategy.TrustMode = %q, want shadow", cfg.Strategy.TrustMode)
	}
	if cfg.Strategy.Thompson.ActThreshold <= cfg.Strategy.Thompson.SuggestThreshold {
		t.Error("default act threshold must exceed suggest threshold")
	}
	if cfg.Breaker.WindowSize != 20 || cfg.Breaker.MinObservations != 5 {
		t.Errorf("unexpected breaker window defaults: %+v", cfg.Breaker)
	}
	if cfg.Strategy.Categories["testing"] != 5 {
		t.Errorf("testing cap = %d, want 5", cfg.Strategy.Categories["testing"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefault_DataDir(t *testing.T) {
	cfg := Default()

	if !filepath.IsAbs(cfg.DataDir) {
		t.Error("DataDir should be an absolute path")
	}
	if filepath.Base(cfg.DataDir) != ".gatekeeper" {
		t.Errorf("DataDir should end with .gatekeeper, got %q", filepath.Base(cfg.DataDir))
	}
}

// =============================================================================
// Load Config Tests
// =============================================================================

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load("/non/existent/path/config.json")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for non-existent file", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "json",
			file:    "config.json",
			content: `{"server":{"port":9001,"host":"0.0.0.0"},"strategy":{"trust_mode":"active"}}`,
		},
		{
			name: "toml",
			file: "config.toml",
			content: `
[server]
port = 9001
host = "0.0.0.0"

[strategy]
trust_mode = "active"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
server:
  port: 9001
  host: 0.0.0.0
strategy:
  trust_mode: active
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Server.Port != 9001 {
				t.Errorf("Server.Port = %d, want 9001", cfg.Server.Port)
			}
			if cfg.Server.Host != "0.0.0.0" {
				t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
			}
			if cfg.Strategy.TrustMode != "active" {
				t.Errorf("TrustMode = %q, want active", cfg.Strategy.TrustMode)
			}
			// Untouched sections keep defaults
			if cfg.Breaker.WindowSize != 20 {
				t.Errorf("Breaker.WindowSize = %d, want default 20", cfg.Breaker.WindowSize)
			}
		})
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-api-key-12345")
	t.Setenv("OLLAMA_HOST", "ollama.internal:11434")
	t.Setenv("GATEKEEPER_TRUST_MODE", "SUGGEST")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "test-api-key-12345" {
		t.Errorf("LLM.APIKey = %q", cfg.LLM.APIKey)
	}
	if cfg.Ollama.URL != "http://ollama.internal:11434" {
		t.Errorf("Ollama.URL = %q", cfg.Ollama.URL)
	}
	if cfg.Strategy.TrustMode != "suggest" {
		t.Errorf("TrustMode = %q, want suggest", cfg.Strategy.TrustMode)
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad trust mode", func(c *Config) { c.Strategy.TrustMode = "yolo" }, "Config.Strategy.TrustMode"},
		{"act below suggest", func(c *Config) {
			c.Strategy.Thompson.ActThreshold = 0.5
			c.Strategy.Thompson.SuggestThreshold = 0.6
		}, "Config.Strategy.Thompson"},
		{"threshold out of range", func(c *Config) { c.Strategy.Thompson.ActThreshold = 1.0 }, "Config.Strategy.Thompson.ActThreshold"},
		{"alpha zero", func(c *Config) { c.Strategy.Conformal.Alpha = 0 }, "Config.Strategy.Conformal.Alpha"},
		{"cap too high", func(c *Config) { c.Strategy.Categories["testing"] = 6 }, "Config.Strategy.Categories[testing]"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "Config.Storage.Driver"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "bard" }, "Config.LLM.Provider"},
		{"min obs over window", func(c *Config) { c.Breaker.MinObservations = 30 }, "Config.Breaker.MinObservations"},
		{"reset above trip", func(c *Config) { c.Breaker.ResetVariance = 0.5 }, "Config.Breaker.ResetVariance"},
		{"negative interval", func(c *Config) { c.Maintenance.VerifyInterval = -1 }, "Config.Maintenance.VerifyInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

// =============================================================================
// Save Config Tests
// =============================================================================

func TestSave_StripsAPIKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "secret"
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var saved Config
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.LLM.APIKey != "" {
		t.Error("API key should not be written to disk")
	}
	if cfg.LLM.APIKey != "secret" {
		t.Error("Save should not mutate the receiver")
	}
}

func TestSaveLoad_RoundTripTOML(t *testing.T) {
	cfg := Default()
	cfg.Strategy.TrustMode = "active"
	cfg.Strategy.Thompson.Enabled = true
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Strategy.TrustMode != "active" || !loaded.Strategy.Thompson.Enabled {
		t.Errorf("strategy not preserved: %+v", loaded.Strategy)
	}
}

func TestBreakerConfig_Cooldown(t *testing.T) {
	b := BreakerConfig{ManualTripCooldown: 90}
	if b.Cooldown().Seconds() != 90 {
		t.Errorf("Cooldown() = %v, want 90s", b.Cooldown())
	}
}

func TestMaintenanceConfig_Durations(t *testing.T) {
	m := Default().Maintenance
	if m.TrustSave() != time.Minute {
		t.Errorf("TrustSave() = %v, want 1m", m.TrustSave())
	}
	if m.Calibrate() != time.Hour {
		t.Errorf("Calibrate() = %v, want 1h", m.Calibrate())
	}
	if (MaintenanceConfig{}).Verify() != 0 {
		t.Error("zero interval should stay zero")
	}
}
