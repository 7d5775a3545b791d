package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PublishConfig controls the periodic ICS file export.
type PublishConfig struct {
	// Path of the .ics file. Publishing is off when empty.
	Path string `yaml:"path"`
	// Schedule is a cron expression or descriptor such as "@every 15m".
	Schedule string `yaml:"schedule"`
	// HorizonDays is how far ahead the published feed reaches.
	HorizonDays int `yaml:"horizon_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// APITokenHash is a bcrypt hash of the API bearer token. Empty disables
	// auth.
	APITokenHash string `yaml:"api_token_hash,omitempty"`

	// AllowedOrigins are extra host patterns accepted for WebSocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	Publish PublishConfig `yaml:"publish"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		DBPath:   "meetnotes.db",
		LogLevel: "info",
		Publish: PublishConfig{
			Schedule:    "*/15 * * * *",
			HorizonDays: 365,
		},
	}
}

// Normalize fills zero values with defaults so partial files still work.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	default:
		c.LogLevel = def.LogLevel
	}
	if c.Publish.Schedule == "" {
		c.Publish.Schedule = def.Publish.Schedule
	}
	if c.Publish.HorizonDays <= 0 {
		c.Publish.HorizonDays = def.Publish.HorizonDays
	}
}

// Load reads the YAML file at path and applies MEETNOTES_* environment
// overrides. An empty path skips the file. A missing file is created with
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := Save(path, cfg); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			cfg = &Config{}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("MEETNOTES_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("MEETNOTES_PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := getenv("MEETNOTES_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("MEETNOTES_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("MEETNOTES_API_TOKEN_HASH"); v != "" {
		c.APITokenHash = v
	}
	if v := getenv("MEETNOTES_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if v := getenv("MEETNOTES_PUBLISH_PATH"); v != "" {
		c.Publish.Path = v
	}
	if v := getenv("MEETNOTES_PUBLISH_SCHEDULE"); v != "" {
		c.Publish.Schedule = v
	}
	if v := getenv("MEETNOTES_PUBLISH_HORIZON_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEETNOTES_PUBLISH_HORIZON_DAYS: %w", err)
		}
		c.Publish.HorizonDays = n
	}
	return nil
}

// Save writes cfg to path with 0600 permissions, replacing any existing
// file atomically.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".meetnotes-config-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
