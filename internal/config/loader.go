package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/internal/common/fsutil"
)

// Environment variables that override file values.
const (
	EnvAddr     = "INFERD_ADDR"
	EnvLogLevel = "INFERD_LOG_LEVEL"
	EnvRedisURL = "INFERD_REDIS_URL"
	EnvNATSURL  = "INFERD_NATS_URL"
	EnvKeysDSN  = "INFERD_KEYS_DSN"
)

// Load reads a configuration file based on its extension on top of Default().
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from the environment. lookup is
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.RateLimit.RedisURL = v
		if c.RateLimit.Backend == "" || c.RateLimit.Backend == "memory" {
			c.RateLimit.Backend = "redis"
		}
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.Events.NATSURL = v
	}
	if v, ok := lookup(EnvKeysDSN); ok && v != "" {
		c.APIKeys.DSN = v
		if c.APIKeys.Store == "" || c.APIKeys.Store == "file" {
			c.APIKeys.Store = "sql"
		}
	}
}

// ExpandPaths expands a leading "~" in every configured file path, including
// local model paths.
func (c *Config) ExpandPaths() error {
	if err := fsutil.ExpandAll(&c.TOSFile, &c.Encryption.PublicKeyFile, &c.Encryption.PrivateKeyFile, &c.APIKeys.Dir); err != nil {
		return err
	}
	for name, m := range c.Models {
		if err := fsutil.ExpandAll(&m.Path); err != nil {
			return fmt.Errorf("model %q: %w", name, err)
		}
		c.Models[name] = m
	}
	return nil
}
