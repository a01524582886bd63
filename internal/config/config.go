// Package config loads and validates metricsmith configuration.
// Configuration comes from a YAML file with environment variable overrides;
// a .env file is honored for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all metricsmith configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the root for all durable state (routines, snapshots, logs).
	DataDir string `yaml:"data_dir"`

	// Oracle configures the code-generation oracle.
	Oracle OracleConfig `yaml:"oracle"`

	// Tracker configures the issue tracker REST client.
	Tracker TrackerConfig `yaml:"tracker"`

	// Resolver configures the resolution coordinator.
	Resolver ResolverConfig `yaml:"resolver"`

	// Server configures the HTTP assistant surface.
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// OracleConfig configures the LLM code-generation oracle.
type OracleConfig struct {
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	Timeout       string `yaml:"timeout"`
}

// TrackerConfig configures the issue tracker client.
type TrackerConfig struct {
	BaseURL          string `yaml:"base_url"`
	Email            string `yaml:"email"`
	APIToken         string `yaml:"api_token"`
	StoryPointsField string `yaml:"story_points_field"`
	Timeout          string `yaml:"timeout"`
}

// ResolverConfig configures the resolution coordinator.
type ResolverConfig struct {
	CacheTTL      string `yaml:"cache_ttl"`
	CacheMaxSize  int    `yaml:"cache_max_size"`
	MaxRetries    int    `yaml:"max_retries"`
	ExecTimeout   string `yaml:"exec_timeout"`
	WatchRoutines bool   `yaml:"watch_routines"`
}

// ServerConfig configures the HTTP assistant surface.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// LoggingConfig configures file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "metricsmith",
		Version: "0.3.0",
		DataDir: "data",

		Oracle: OracleConfig{
			Model:         "gemini-2.0-flash",
			FallbackModel: "gemini-1.5-flash",
			Timeout:       "120s",
		},

		Tracker: TrackerConfig{
			BaseURL:          "https://api.atlassian.net",
			StoryPointsField: "customfield_10016",
			Timeout:          "30s",
		},

		Resolver: ResolverConfig{
			CacheTTL:      "1h",
			CacheMaxSize:  100,
			MaxRetries:    3,
			ExecTimeout:   "60s",
			WatchRoutines: false,
		},

		Server: ServerConfig{
			Addr:  ":5001",
			Debug: false,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist. A .env file next to the working directory is
// loaded first so env overrides see it.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}
	if model := os.Getenv("ORACLE_MODEL"); model != "" {
		c.Oracle.Model = model
	}

	if url := os.Getenv("TRACKER_BASE_URL"); url != "" {
		c.Tracker.BaseURL = url
	}
	if email := os.Getenv("TRACKER_EMAIL"); email != "" {
		c.Tracker.Email = email
	}
	if token := os.Getenv("TRACKER_API_TOKEN"); token != "" {
		c.Tracker.APIToken = token
	}
	if field := os.Getenv("STORY_POINTS_FIELD"); field != "" {
		c.Tracker.StoryPointsField = field
	}

	if dir := os.Getenv("METRICSMITH_DATA"); dir != "" {
		c.DataDir = dir
	}
	if addr := os.Getenv("METRICSMITH_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if debug := os.Getenv("METRICSMITH_DEBUG"); debug == "true" || debug == "1" {
		c.Server.Debug = true
		c.Logging.DebugMode = true
	}
}

// RoutinesDir returns the directory holding deployed routine sources.
func (c *Config) RoutinesDir() string {
	return filepath.Join(c.DataDir, "routines")
}

// RegistryPath returns the path of the registry snapshot file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "routine_registry.json")
}

// CachePath returns the path of the result cache snapshot file.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "result_cache.json")
}

// HistoryPath returns the path of the invocation history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// GetOracleTimeout returns the oracle timeout as a duration.
func (c *Config) GetOracleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Oracle.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetTrackerTimeout returns the tracker client timeout as a duration.
func (c *Config) GetTrackerTimeout() time.Duration {
	return c.Tracker.GetTimeout()
}

// GetTimeout returns the tracker client timeout as a duration.
func (t TrackerConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCacheTTL returns the result cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Resolver.CacheTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetExecTimeout returns the routine execution timeout as a duration.
func (c *Config) GetExecTimeout() time.Duration {
	d, err := time.ParseDuration(c.Resolver.ExecTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
