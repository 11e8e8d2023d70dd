// Package config reads and writes the global ~/.chatsync/config.toml.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string such as "1s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Server         ServerConfig  `toml:"server"`
	Channel        ChannelConfig `toml:"channel"`
	Sync           SyncConfig    `toml:"sync"`
	Metrics        MetricsConfig `toml:"metrics"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	// Host is host[:port] of the websocket endpoints.
	Host   string `toml:"host"`
	Secure bool   `toml:"secure"`
	// APIBase overrides the REST base URL. Defaults to http(s)://Host.
	APIBase    string `toml:"api_base"`
	AuthScheme string `toml:"auth_scheme"`
}

// ChannelConfig tunes connection management.
type ChannelConfig struct {
	SubscribeWait        Duration `toml:"subscribe_wait"`
	SubscribeRetries     int      `toml:"subscribe_retries"`
	SubscribeBackoff     Duration `toml:"subscribe_backoff"`
	SettleDelay          Duration `toml:"settle_delay"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// SyncConfig tunes message reconciliation and the local cache.
type SyncConfig struct {
	StrictOrdering bool `toml:"strict_ordering"`
	// Persist writes confirmed messages to the profile database.
	Persist bool `toml:"persist"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9464". Empty disables it.
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: ServerConfig{
			Host:       "localhost:8000",
			AuthScheme: "Token",
		},
		Channel: ChannelConfig{
			SubscribeWait:        Duration{time.Second},
			SubscribeRetries:     1,
			SubscribeBackoff:     Duration{250 * time.Millisecond},
			ReconnectDelay:       Duration{2 * time.Second},
			MaxReconnectAttempts: 5,
		},
		Sync: SyncConfig{Persist: true},
	}
}

// APIBaseURL returns the REST base URL.
func (c *Config) APIBaseURL() string {
	if c.Server.APIBase != "" {
		return c.Server.APIBase
	}
	scheme := "http"
	if c.Server.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.Server.Host
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
