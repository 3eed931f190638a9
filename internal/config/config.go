// Package config handles gatekeeper configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" toml:"data_dir" yaml:"data_dir"`

	// Server
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Persistence
	Storage StorageConfig `json:"storage" toml:"storage" yaml:"storage"`
	Ledger  LedgerConfig  `json:"ledger" toml:"ledger" yaml:"ledger"`

	// Services
	Qdrant QdrantConfig `json:"qdrant" toml:"qdrant" yaml:"qdrant"`
	Ollama OllamaConfig `json:"ollama" toml:"ollama" yaml:"ollama"`
	LLM    LLMConfig    `json:"llm" toml:"llm" yaml:"llm"`

	// Decision engine
	Strategy   StrategyConfig   `json:"strategy" toml:"strategy" yaml:"strategy"`
	Breaker    BreakerConfig    `json:"breaker" toml:"breaker" yaml:"breaker"`
	Prediction PredictionConfig `json:"prediction" toml:"prediction" yaml:"prediction"`

	Maintenance MaintenanceConfig `json:"maintenance" toml:"maintenance" yaml:"maintenance"`

	Logging LoggingConfig `json:"logging" toml:"logging" yaml:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port" toml:"port" yaml:"port" validate:"min=1,max=65535"`
	Host string `json:"host" toml:"host" yaml:"host" validate:"required"`
}

// StorageConfig selects the SQLite driver and database file
type StorageConfig struct {
	Driver   string `json:"driver" toml:"driver" yaml:"driver" validate:"oneof=sqlite sqlite3"`
	Path     string `json:"path" toml:"path" yaml:"path"`
	InMemory bool   `json:"in_memory" toml:"in_memory" yaml:"in_memory"`
}

// LedgerConfig for the decision audit chain
type LedgerConfig struct {
	Enabled bool `json:"enabled" toml:"enabled" yaml:"enabled"`
	Sign    bool `json:"sign" toml:"sign" yaml:"sign"` // ML-DSA-65 signatures per entry
}

// QdrantConfig for vector database
type QdrantConfig struct {
	Enabled    bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Host       string `json:"host" toml:"host" yaml:"host"`
	Port       int    `json:"port" toml:"port" yaml:"port" validate:"min=0,max=65535"`
	Collection string `json:"collection" toml:"collection" yaml:"collection"`
}

// OllamaConfig for the local embedding model
type OllamaConfig struct {
	URL       string `json:"url" toml:"url" yaml:"url"`
	Model     string `json:"model" toml:"model" yaml:"model"`
	Dimension int    `json:"dimension" toml:"dimension" yaml:"dimension" validate:"min=1"`
}

// LLMConfig for the ICRL and classifier model
type LLMConfig struct {
	Provider  string `json:"provider" toml:"provider" yaml:"provider" validate:"omitempty,oneof=anthropic openai azure ollama"`
	APIKey    string `json:"api_key" toml:"api_key" yaml:"api_key"`
	BaseURL   string `json:"base_url" toml:"base_url" yaml:"base_url"`
	Model     string `json:"model" toml:"model" yaml:"model"`
	MaxTokens int    `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens" validate:"min=0"`
	// UseForClassification routes Classify through the LLM before keyword rules
	UseForClassification bool `json:"use_for_classification" toml:"use_for_classification" yaml:"use_for_classification"`
}

// StrategyConfig for the engineering strategy
type StrategyConfig struct {
	TrustMode       string `json:"trust_mode" toml:"trust_mode" yaml:"trust_mode" validate:"oneof=shadow suggest active"`
	PromotionStreak int    `json:"promotion_streak" toml:"promotion_streak" yaml:"promotion_streak" validate:"min=1"`
	DemotionStreak  int    `json:"demotion_streak" toml:"demotion_streak" yaml:"demotion_streak" validate:"min=1"`

	// Categories maps category name to its cap level
	Categories map[string]int `json:"categories" toml:"categories" yaml:"categories" validate:"dive,keys,required,endkeys,min=1,max=5"`
	HighRisk   []string       `json:"high_risk" toml:"high_risk" yaml:"high_risk"`

	Thompson  ThompsonConfig  `json:"thompson" toml:"thompson" yaml:"thompson"`
	Conformal ConformalConfig `json:"conformal" toml:"conformal" yaml:"conformal"`
	ICRL      ICRLConfig      `json:"icrl" toml:"icrl" yaml:"icrl"`
}

// ThompsonConfig for Beta-posterior routing
type ThompsonConfig struct {
	Enabled          bool    `json:"enabled" toml:"enabled" yaml:"enabled"`
	ActThreshold     float64 `json:"act_threshold" toml:"act_threshold" yaml:"act_threshold" validate:"gt=0,lt=1"`
	SuggestThreshold float64 `json:"suggest_threshold" toml:"suggest_threshold" yaml:"suggest_threshold" validate:"gt=0,lt=1"`
}

// ConformalConfig for split conformal deferral
type ConformalConfig struct {
	Enabled bool    `json:"enabled" toml:"enabled" yaml:"enabled"`
	Alpha   float64 `json:"alpha" toml:"alpha" yaml:"alpha" validate:"gt=0,lt=1"`
}

// ICRLConfig for LLM disambiguation of mixed CBR retrievals
type ICRLConfig struct {
	Enabled                bool    `json:"enabled" toml:"enabled" yaml:"enabled"`
	TopK                   int     `json:"top_k" toml:"top_k" yaml:"top_k" validate:"min=1"`
	CBRConfidenceThreshold float64 `json:"cbr_confidence_threshold" toml:"cbr_confidence_threshold" yaml:"cbr_confidence_threshold" validate:"gte=0,lte=1"`
	CallsPerMinute         float64 `json:"calls_per_minute" toml:"calls_per_minute" yaml:"calls_per_minute" validate:"gte=0"` // 0 = unlimited
	Burst                  int     `json:"burst" toml:"burst" yaml:"burst" validate:"min=0"`
}

// BreakerConfig for the confidence anomaly breaker
type BreakerConfig struct {
	WindowSize         int     `json:"window_size" toml:"window_size" yaml:"window_size" validate:"min=2"`
	MinObservations    int     `json:"min_observations" toml:"min_observations" yaml:"min_observations" validate:"min=2"`
	TripVariance       float64 `json:"trip_variance" toml:"trip_variance" yaml:"trip_variance" validate:"gt=0"`
	TripDrop           float64 `json:"trip_drop" toml:"trip_drop" yaml:"trip_drop" validate:"gt=0,lte=1"`
	ResetVariance      float64 `json:"reset_variance" toml:"reset_variance" yaml:"reset_variance" validate:"gt=0"`
	ResetDrop          float64 `json:"reset_drop" toml:"reset_drop" yaml:"reset_drop" validate:"gt=0,lte=1"`
	ManualTripCooldown int     `json:"manual_trip_cooldown_seconds" toml:"manual_trip_cooldown_seconds" yaml:"manual_trip_cooldown_seconds" validate:"min=0"`
}

// Cooldown returns the manual trip cooldown as a duration
func (b BreakerConfig) Cooldown() time.Duration {
	return seconds(b.ManualTripCooldown)
}

// PredictionConfig for the CBR majority-vote engine
type PredictionConfig struct {
	Enabled             bool    `json:"enabled" toml:"enabled" yaml:"enabled"`
	TopK                int     `json:"top_k" toml:"top_k" yaml:"top_k" validate:"min=1"`
	SimilarityThreshold float64 `json:"similarity_threshold" toml:"similarity_threshold" yaml:"similarity_threshold" validate:"gte=0,lte=100"` // percent
}

// MaintenanceConfig sets the daemon's periodic task intervals in seconds.
// Zero disables a task.
type MaintenanceConfig struct {
	TrustSaveInterval int `json:"trust_save_interval" toml:"trust_save_interval" yaml:"trust_save_interval" validate:"gte=0"`
	CalibrateInterval int `json:"calibrate_interval" toml:"calibrate_interval" yaml:"calibrate_interval" validate:"gte=0"`
	VerifyInterval    int `json:"verify_interval" toml:"verify_interval" yaml:"verify_interval" validate:"gte=0"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TrustSave returns the trust snapshot interval
func (m MaintenanceConfig) TrustSave() time.Duration { return seconds(m.TrustSaveInterval) }

// Calibrate returns the conformal recalibration interval
func (m MaintenanceConfig) Calibrate() time.Duration { return seconds(m.CalibrateInterval) }

// Verify returns the ledger verification interval
func (m MaintenanceConfig) Verify() time.Duration { return seconds(m.VerifyInterval) }

// LoggingConfig for the process logger
type LoggingConfig struct {
	Level  string `json:"level" toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `json:"format" toml:"format" yaml:"format" validate:"omitempty,oneof=console json"`
}

// DefaultCategories are the engineering categories and their cap levels
func DefaultCategories() map[string]int {
	return map[string]int{
		"testing":            5,
		"documentation":      5,
		"code_review":        4,
		"refactoring":        4,
		"dependency_update":  3,
		"deployment":         3,
		"infrastructure":     2,
		"security":           2,
		"database_migration": 2,
		"uncategorized":      2,
	}
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".gatekeeper")

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "gatekeeper.db"),
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Qdrant: QdrantConfig{
			Enabled:    false,
			Host:       "localhost",
			Port:       6334,
			Collection: "decision_cases",
		},
		Ollama: OllamaConfig{
			URL:       "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 64,
		},
		Strategy: StrategyConfig{
			TrustMode:       "shadow",
			PromotionStreak: 5,
			DemotionStreak:  3,
			Categories:      DefaultCategories(),
			Thompson: ThompsonConfig{
				Enabled:          false,
				ActThreshold:     0.85,
				SuggestThreshold: 0.6,
			},
			Conformal: ConformalConfig{
				Enabled: false,
				Alpha:   0.1,
			},
			ICRL: ICRLConfig{
				Enabled:                false,
				TopK:                   5,
				CBRConfidenceThreshold: 0.7,
				CallsPerMinute:         30,
				Burst:                  5,
			},
		},
		Breaker: BreakerConfig{
			WindowSize:         20,
			MinObservations:    5,
			TripVariance:       0.04,
			TripDrop:           0.25,
			ResetVariance:      0.02,
			ResetDrop:          0.1,
			ManualTripCooldown: 900,
		},
		Prediction: PredictionConfig{
			Enabled:             true,
			TopK:                5,
			SimilarityThreshold: 70,
		},
		Maintenance: MaintenanceConfig{
			TrustSaveInterval: 60,
			CalibrateInterval: 3600,
			VerifyInterval:    6 * 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the config file path inside the data dir
func (c *Config) DefaultPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if dir := os.Getenv("GATEKEEPER_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
		cfg.Storage.Path = filepath.Join(dir, "gatekeeper.db")
	}

	if path == "" {
		path = cfg.DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Use defaults
	default:
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func marshal(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Marshal(cfg)
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

func applyEnv(cfg *Config) {
	switch cfg.LLM.Provider {
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
	case "azure":
		if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
	case "ollama":
	default:
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.HasPrefix(host, "http") {
			host = "http://" + host
		}
		cfg.Ollama.URL = host
	}
	if mode := os.Getenv("GATEKEEPER_TRUST_MODE"); mode != "" {
		cfg.Strategy.TrustMode = strings.ToLower(mode)
	}
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.DefaultPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save API key to file
	safeCfg := *c
	safeCfg.LLM.APIKey = ""

	data, err := marshal(path, &safeCfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ValidationError reports the first invalid field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed %q (param %q, value %v)", fe.Tag(), fe.Param(), fe.Value()),
			}
		}
		return &ValidationError{Field: "Config", Message: err.Error()}
	}

	t := c.Strategy.Thompson
	if t.ActThreshold <= t.SuggestThreshold {
		return &ValidationError{
			Field:   "Config.Strategy.Thompson",
			Message: fmt.Sprintf("act_threshold %.3f must exceed suggest_threshold %.3f", t.ActThreshold, t.SuggestThreshold),
		}
	}

	b := c.Breaker
	if b.MinObservations > b.WindowSize {
		return &ValidationError{Field: "Config.Breaker.MinObservations", Message: "must not exceed window_size"}
	}
	if b.ResetVariance > b.TripVariance {
		return &ValidationError{Field: "Config.Breaker.ResetVariance", Message: "must not exceed trip_variance"}
	}
	if b.ResetDrop > b.TripDrop {
		return &ValidationError{Field: "Config.Breaker.ResetDrop", Message: "must not exceed trip_drop"}
	}

	if !c.Storage.InMemory && c.Storage.Path == "" {
		return &ValidationError{Field: "Config.Storage.Path", Message: "required unless in_memory"}
	}
	return nil
}
