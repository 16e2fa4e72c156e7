package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vimo-ai/vlaude-sub001/internal/fileutil"
)

const (
	ConfigDir      = ".vlaude"
	ConfigFileName = "config.yaml"
	CacheFileName  = "cache.db"
)

type Config struct {
	Version     int               `yaml:"version"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Cache       CacheConfig       `yaml:"cache"`
	Watch       WatchConfig       `yaml:"watch"`
	Server      ServerConfig      `yaml:"server"`
	Runner      RunnerConfig      `yaml:"runner"`
	Relay       RelayConfig       `yaml:"relay"`
}

type TranscriptsConfig struct {
	// Root is where the CLI writes its session files. Empty means
	// ~/.claude/projects.
	Root string `yaml:"root,omitempty"`
}

type CacheConfig struct {
	Backend  string         `yaml:"backend"` // sqlite | postgres
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"` // empty means <config dir>/cache.db
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
}

type RunnerConfig struct {
	// Command is the CLI binary invoked for remote-initiated turns.
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RelayConfig struct {
	BufferSize  int `yaml:"buffer_size"`
	RetryMax    int `yaml:"retry_max"`
	RetryBaseMs int `yaml:"retry_base_ms"`
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Cache: CacheConfig{
			Backend: "sqlite",
		},
		Watch: WatchConfig{
			DebounceMs: 300,
		},
		Server: ServerConfig{
			Addr:             "127.0.0.1:8791",
			HeartbeatSeconds: 30,
		},
		Runner: RunnerConfig{
			Command:        "claude",
			TimeoutSeconds: 600,
		},
		Relay: RelayConfig{
			BufferSize:  64,
			RetryMax:    5,
			RetryBaseMs: 100,
		},
	}
}

// HomeDir returns the directory holding config, cache, and runtime files
// (~/.vlaude by default, overridable with VLAUDE_HOME for tests).
func HomeDir() (string, error) {
	if dir := os.Getenv("VLAUDE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir), nil
}

func GetConfigPath(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}

func GetCachePath(dir string) string {
	return filepath.Join(dir, CacheFileName)
}

func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(GetConfigPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing values (backward compatibility)
	cfg.applyDefaults(dir)

	return &cfg, nil
}

// LoadOrDefault returns the saved config, or defaults when none exists yet.
func LoadOrDefault(dir string) (*Config, error) {
	if !Exists(dir) {
		cfg := DefaultConfig()
		cfg.applyDefaults(dir)
		return cfg, nil
	}
	return Load(dir)
}

// applyDefaults fills in missing configuration values with sensible
// defaults so older config files keep working after new fields appear.
func (c *Config) applyDefaults(dir string) {
	defaults := DefaultConfig()

	if c.Cache.Backend == "" {
		c.Cache.Backend = defaults.Cache.Backend
	}
	if c.Cache.Backend == "sqlite" && c.Cache.SQLite.Path == "" {
		c.Cache.SQLite.Path = GetCachePath(dir)
	}
	if c.Watch.DebounceMs == 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.HeartbeatSeconds == 0 {
		c.Server.HeartbeatSeconds = defaults.Server.HeartbeatSeconds
	}
	if c.Runner.Command == "" {
		c.Runner.Command = defaults.Runner.Command
	}
	if c.Runner.TimeoutSeconds == 0 {
		c.Runner.TimeoutSeconds = defaults.Runner.TimeoutSeconds
	}
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = defaults.Relay.BufferSize
	}
	if c.Relay.RetryMax == 0 {
		c.Relay.RetryMax = defaults.Relay.RetryMax
	}
	if c.Relay.RetryBaseMs == 0 {
		c.Relay.RetryBaseMs = defaults.Relay.RetryBaseMs
	}
}

// Save writes the config atomically so a crash mid-write never leaves a
// truncated file behind.
func (c *Config) Save(dir string) error {
	path := GetConfigPath(dir)
	if err := fileutil.EnsureParentDir(path); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := fileutil.ReplaceFileAtomically(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}

func Exists(dir string) bool {
	_, err := os.Stat(GetConfigPath(dir))
	return err == nil
}
