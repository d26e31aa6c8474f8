// Package config loads client settings from ~/.config/monios/config.toml and
// the environment.
//
// Precedence, lowest first: built-in defaults, the TOML file, environment
// variables, command-line flags. Flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBaseURL    = "http://127.0.0.1:8000"
	DefaultGuestLabel = "guest"
	DefaultTimeout    = 30 * time.Second
	DefaultServeAddr  = "127.0.0.1:8000"
	DefaultModel      = "claude-sonnet-4-5-20250929"
)

// Config is the client configuration.
type Config struct {
	BaseURL    string        `toml:"base_url"`
	GuestLabel string        `toml:"guest_label"`
	TokenFile  string        `toml:"token_file"`
	LogLevel   string        `toml:"log_level"`
	Timeout    time.Duration `toml:"timeout"`

	Serve ServeConfig `toml:"serve"`
}

// ServeConfig configures the development backend.
type ServeConfig struct {
	Addr  string `toml:"addr"`
	Model string `toml:"model"`
}

// Default returns the built-in configuration. TokenFile stays empty until
// SetDefaults resolves it against the home directory.
func Default() *Config {
	return &Config{
		BaseURL:    DefaultBaseURL,
		GuestLabel: DefaultGuestLabel,
		LogLevel:   "off",
		Timeout:    DefaultTimeout,
		Serve: ServeConfig{
			Addr:  DefaultServeAddr,
			Model: DefaultModel,
		},
	}
}

// Dir returns ~/.config/monios.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "monios"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads path, or the default path when path is empty, then applies the
// process environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	cfg.ApplyEnv(getenv)
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("BACKEND_URL"); v != "" {
		c.BaseURL = v
	}
	if v := getenv("MONIOS_BACKEND_URL"); v != "" {
		c.BaseURL = v
	}
	if v := getenv("MONIOS_GUEST"); v != "" {
		c.GuestLabel = v
	}
	if v := getenv("MONIOS_TOKEN_FILE"); v != "" {
		c.TokenFile = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// SetDefaults fills fields left empty by the file or environment.
func (c *Config) SetDefaults() error {
	c.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.GuestLabel = strings.TrimSpace(c.GuestLabel)
	if c.GuestLabel == "" {
		c.GuestLabel = DefaultGuestLabel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = DefaultServeAddr
	}
	if c.Serve.Model == "" {
		c.Serve.Model = DefaultModel
	}
	if c.TokenFile == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		c.TokenFile = filepath.Join(dir, "tokens.json")
	}
	return nil
}

// Validate checks the base URL.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url: %q must be an http or https URL", c.BaseURL)
	}
	return nil
}

// Write encodes the configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
