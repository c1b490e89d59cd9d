// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/promptloom/promptloom/internal/autoplay"
	"github.com/promptloom/promptloom/internal/project"
	"github.com/promptloom/promptloom/internal/provider"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	DBPath   string            `yaml:"db_path"`
	History  HistoryConfig     `yaml:"history"`
	Autoplay autoplay.Config   `yaml:"autoplay"`
	Provider provider.Settings `yaml:"provider"`
	Logging  LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration. The database lives in the
// workspace data directory so separate creative projects keep separate
// learned preferences.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8470"},
		DBPath: project.DBPath(project.FindRoot()),
		History: HistoryConfig{
			Capacity: 5,
		},
		Autoplay: autoplay.Config{
			TargetSavedCount:  autoplay.DefaultTargetSavedCount,
			MaxIterations:     autoplay.DefaultMaxIterations,
			ApprovalThreshold: autoplay.DefaultApprovalThreshold,
			NearMissLower:     autoplay.DefaultNearMissLower,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, then an optional YAML file, then
// environment variables. Later layers win. An empty path falls back to the
// workspace promptloom.yaml when one exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = project.ConfigPath(project.FindRoot())
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays PL_-prefixed environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PL_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PL_OPENAI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("PL_OPENAI_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("PL_OPENAI_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if n, ok := envInt("PL_HISTORY_CAPACITY"); ok {
		c.History.Capacity = n
	}
	if n, ok := envInt("PL_AUTOPLAY_TARGET"); ok {
		c.Autoplay.TargetSavedCount = n
	}
	if n, ok := envInt("PL_AUTOPLAY_MAX_ITERATIONS"); ok {
		c.Autoplay.MaxIterations = n
	}
	if n, ok := envInt("PL_AUTOPLAY_THRESHOLD"); ok {
		c.Autoplay.ApprovalThreshold = n
	}
	if n, ok := envInt("PL_AUTOPLAY_NEAR_MISS_LOWER"); ok {
		c.Autoplay.NearMissLower = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.History.Capacity < 0 {
		return fmt.Errorf("history.capacity must not be negative")
	}
	if c.Autoplay.NearMissLower > c.Autoplay.ApprovalThreshold {
		return fmt.Errorf("autoplay.near_miss_lower %d exceeds approval threshold %d",
			c.Autoplay.NearMissLower, c.Autoplay.ApprovalThreshold)
	}
	if c.Autoplay.ApprovalThreshold > provider.ScoreMax {
		return fmt.Errorf("autoplay.approval_threshold %d exceeds the score scale", c.Autoplay.ApprovalThreshold)
	}
	return nil
}
