// Package config loads the spalloc server configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no spalloc config file found")

// Config is the parsed server configuration.
type Config struct {
	Compat    CompatConfig    `yaml:"compat" toml:"compat" json:"compat"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" json:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" json:"auth"`
	Keepalive KeepaliveConfig `yaml:"keepalive" toml:"keepalive" json:"keepalive"`
}

// CompatConfig controls the v1 compatibility service.
type CompatConfig struct {
	// Enable runs the compat server at all.
	Enable bool `yaml:"enable" toml:"enable" json:"enable"`

	// Port is the TCP port the classic clients dial.
	Port int `yaml:"port" toml:"port" json:"port"`

	// Host is the bind address. Empty means all interfaces.
	Host string `yaml:"host" toml:"host" json:"host"`

	// ThreadPoolSize bounds the session executor when positive; zero or
	// negative means one goroutine per connection.
	ThreadPoolSize int `yaml:"thread_pool_size" toml:"thread_pool_size" json:"thread_pool_size"`

	// ServiceUser is the principal name jobs are created under.
	ServiceUser string `yaml:"service_user" toml:"service_user" json:"service_user"`

	// NotifyWaitTime is how long one notifier wait on an epoch lasts
	// before the loop starts a new wait; cancellation interrupts a wait
	// at once.
	NotifyWaitTime Duration `yaml:"notify_wait_time" toml:"notify_wait_time" json:"notify_wait_time"`

	// DefaultKeepalive applies when a client supplies none.
	DefaultKeepalive Duration `yaml:"default_keepalive" toml:"default_keepalive" json:"default_keepalive"`

	// ReadTimeout is the per-read socket deadline; it doubles as the
	// cancellation pulse for idle sessions.
	ReadTimeout Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`

	// ShutdownTimeout is how long Stop waits for sessions to drain.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig locates the allocator database.
type DatabaseConfig struct {
	// Path is the sqlite database file; ":memory:" works for testing.
	Path string `yaml:"path" toml:"path" json:"path"`
}

// AuthConfig configures capability token signing.
type AuthConfig struct {
	// Secret signs service capability tokens.
	Secret string `yaml:"secret" toml:"secret" json:"secret"`
}

// KeepaliveConfig controls the job keepalive reaper.
type KeepaliveConfig struct {
	// CheckInterval is how often lapsed jobs are swept.
	CheckInterval Duration `yaml:"check_interval" toml:"check_interval" json:"check_interval"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load finds and parses a spalloc config file from the given directory.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"spalloc.yaml", parseYAML},
		{"spalloc.yml", parseYAML},
		{"spalloc.toml", parseTOML},
		{"spalloc.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}

		cfg.applyDefaults()

		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}

		return &cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

// LoadFile parses one specific config file by extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = parseYAML(data, &cfg)
	case ".toml":
		err = parseTOML(data, &cfg)
	case ".json":
		err = parseJSON(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Compat.Port <= 0 || c.Compat.Port > 65535 {
		return fmt.Errorf("compat.port %d out of range", c.Compat.Port)
	}
	if c.Compat.ServiceUser == "" {
		return errors.New("compat.service_user is required")
	}
	if c.Compat.DefaultKeepalive.Duration() <= 0 {
		return errors.New("compat.default_keepalive must be positive")
	}
	if c.Compat.NotifyWaitTime.Duration() <= 0 {
		return errors.New("compat.notify_wait_time must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Compat.Port == 0 {
		c.Compat.Port = 22244
	}
	if c.Compat.ServiceUser == "" {
		c.Compat.ServiceUser = "spalloc-service"
	}
	if c.Compat.NotifyWaitTime == 0 {
		c.Compat.NotifyWaitTime = Duration(60 * time.Second)
	}
	if c.Compat.DefaultKeepalive == 0 {
		c.Compat.DefaultKeepalive = Duration(60 * time.Second)
	}
	if c.Compat.ReadTimeout == 0 {
		c.Compat.ReadTimeout = Duration(2 * time.Second)
	}
	if c.Compat.ShutdownTimeout == 0 {
		c.Compat.ShutdownTimeout = Duration(3 * time.Second)
	}
	if c.Database.Path == "" {
		c.Database.Path = "spalloc.db"
	}
	if c.Keepalive.CheckInterval == 0 {
		c.Keepalive.CheckInterval = Duration(15 * time.Second)
	}
}

// Addr returns the compat listen address.
func (c *CompatConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
