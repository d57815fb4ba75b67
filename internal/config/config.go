package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	// ServerURL is the marketplace API base URL. The realtime endpoint is
	// derived from it by upgrading the scheme to ws/wss.
	ServerURL string `toml:"server_url"`
	// AllowInsecure permits plain ws:// transport. Development only.
	AllowInsecure bool `toml:"allow_insecure"`
}

// DefaultServerURL is used when server_url is not configured.
const DefaultServerURL = "https://api.sanctum.app"

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the server URL scheme against the insecure policy.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server_url: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.AllowInsecure {
			return fmt.Errorf("insecure server_url %q requires allow_insecure", c.ServerURL)
		}
	default:
		return fmt.Errorf("unsupported server_url scheme %q", u.Scheme)
	}
	return nil
}
