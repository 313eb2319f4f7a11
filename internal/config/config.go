// Package config loads busprop's configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Query is a property lookup that busprop watch polls.
type Query struct {
	Name      string `toml:"name"`
	Service   string `toml:"service"`
	Object    string `toml:"object"`
	Interface string `toml:"interface"`
	Property  string `toml:"property"`
}

// Config is busprop's configuration.
//
// Fields tagged with env can be overridden from the environment.
// The bus addresses use the variables that every DBus client honors.
type Config struct {
	Bus                 string  `toml:"bus"`
	Address             string  `toml:"address"`
	SystemAddress       string  `toml:"-" env:"DBUS_SYSTEM_BUS_ADDRESS"`
	SessionAddress      string  `toml:"-" env:"DBUS_SESSION_BUS_ADDRESS"`
	LogLevel            string  `toml:"log_level" env:"BUSPROP_LOG_LEVEL"`
	LogFormat           string  `toml:"log_format" env:"BUSPROP_LOG_FORMAT"`
	CallTimeoutSeconds  int     `toml:"call_timeout_seconds"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
	Queries             []Query `toml:"query"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Bus:                 "system",
		LogLevel:            "info",
		LogFormat:           "auto",
		CallTimeoutSeconds:  25,
		PollIntervalSeconds: 10,
	}
}

// DefaultPath returns the configuration file read when none is named.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "busprop", "config.toml"), nil
}

// Load reads the configuration at path, applies environment
// overrides, and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	return load(path, env.Options{})
}

func load(path string, opts env.Options) (*Config, error) {
	cfg := Default()

	bs, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(bs, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Bus = strings.ToLower(strings.TrimSpace(c.Bus))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Address = strings.TrimSpace(c.Address)
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch c.Bus {
	case "system", "session":
	default:
		return fmt.Errorf("bus must be system or session, not %q", c.Bus)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("unsupported log_format %q", c.LogFormat)
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.New("poll_interval_seconds must be positive")
	}
	for i, q := range c.Queries {
		if q.Service == "" || q.Object == "" || q.Interface == "" || q.Property == "" {
			return fmt.Errorf("query %d (%q): service, object, interface and property are required", i, q.Name)
		}
		if !strings.HasPrefix(q.Object, "/") {
			return fmt.Errorf("query %d (%q): object %q is not an absolute object path", i, q.Name, q.Object)
		}
	}
	return nil
}

// BusAddress returns the address to dial, or the empty string to use
// the default address of the configured bus.
func (c *Config) BusAddress() string {
	if c.Address != "" {
		return c.Address
	}
	if c.Bus == "session" {
		return c.SessionAddress
	}
	return c.SystemAddress
}

// CallTimeout returns the timeout for asynchronous calls. Zero or
// negative values disable it.
func (c *Config) CallTimeout() time.Duration {
	if c.CallTimeoutSeconds <= 0 {
		return -1
	}
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// PollInterval returns how often busprop watch repeats its queries.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
