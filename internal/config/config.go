package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Server Server `toml:"server"`
	Store  Store  `toml:"store"`
	Runner Runner `toml:"runner"`
	Cache  Cache  `toml:"cache"`
}

// Server holds HTTP listener settings
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Store holds persistence settings
type Store struct {
	DatabasePath string `toml:"database_path"`
}

// Runner holds test execution settings
type Runner struct {
	Workers          int    `toml:"workers"`
	QueueSize        int    `toml:"queue_size"`
	StubDelaySeconds int    `toml:"stub_delay_seconds"`
	AckTimeoutSecs   int    `toml:"cancel_ack_timeout_seconds"`
	FixturesPath     string `toml:"fixtures_path"`
}

// Cache holds statistics cache settings. Redis is optional; an empty
// address disables caching.
type Cache struct {
	RedisAddr  string `toml:"redis_addr"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// StubDelay returns the stub runner's simulated latency
func (r Runner) StubDelay() time.Duration {
	return time.Duration(r.StubDelaySeconds) * time.Second
}

// AckTimeout returns how long a cancellation waits for the runner to
// acknowledge before being forced.
func (r Runner) AckTimeout() time.Duration {
	return time.Duration(r.AckTimeoutSecs) * time.Second
}

// TTL returns the cache entry lifetime
func (c Cache) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: Store{
			DatabasePath: filepath.Join(home, ".qa-platform", "platform.db"),
		},
		Runner: Runner{
			Workers:          4,
			QueueSize:        256,
			StubDelaySeconds: 5,
			AckTimeoutSecs:   10,
		},
		Cache: Cache{
			TTLSeconds: 30,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Store.DatabasePath = ExpandPath(cfg.Store.DatabasePath)
	cfg.Runner.FixturesPath = ExpandPath(cfg.Runner.FixturesPath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "qa-platform", "config.toml")
}
