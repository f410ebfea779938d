// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the sync daemon.
//
// Precedence, lowest to highest: built-in defaults, TOML file,
// environment variable overrides. Validation runs last against the
// merged result.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Retry   RetryConfig   `toml:"retry"`
}

// ServerConfig configures the client-facing HTTP surface.
type ServerConfig struct {
	// Listen is the address the daemon binds to.
	Listen string `toml:"listen"`
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string `toml:"auth_token"`
	// RateRPS / RateBurst bound per-client request rate. Zero disables.
	RateRPS   float64 `toml:"rate_rps"`
	RateBurst int     `toml:"rate_burst"`
}

// BackendConfig points at the remote conversation/chat backend.
type BackendConfig struct {
	// BaseURL is the backend root, e.g. https://api.example.com
	BaseURL string `toml:"base_url"`
	// Token is the bearer token for backend calls. Empty runs the
	// daemon in guest (local-only) mode.
	Token string `toml:"token"`
	// UserID scopes local storage for the authenticated account.
	UserID string `toml:"user_id"`
}

// StorageConfig configures the local scoped store.
type StorageConfig struct {
	// Path is the SQLite store file location.
	Path string `toml:"path"`
	// SealPassphrase, when set, enables at-rest sealing of values.
	SealPassphrase string `toml:"seal_passphrase"`
	// WatchDebounceMs is the quiet period for cross-process reload
	// notifications from the store watcher.
	WatchDebounceMs int `toml:"watch_debounce_ms"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// DebounceMs is the quiet period before a save is pushed remotely.
	DebounceMs int `toml:"debounce_ms"`
}

// RetryConfig tunes the bounded retry policy for backend calls.
type RetryConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialDelayMs int     `toml:"initial_delay_ms"`
	MaxDelayMs     int     `toml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "127.0.0.1:8487",
			RateRPS:   10,
			RateBurst: 20,
		},
		Storage: StorageConfig{
			Path:            defaultStorePath(),
			WatchDebounceMs: 250,
		},
		Sync: SyncConfig{
			DebounceMs: 1000,
		},
		Retry: RetryConfig{
			MaxRetries:     2,
			InitialDelayMs: 250,
			MaxDelayMs:     5000,
			Multiplier:     2.0,
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "companion.db"
	}
	return filepath.Join(home, ".companion-sync", "companion.db")
}

// DebounceInterval returns the sync debounce as a duration.
func (c *Config) DebounceInterval() time.Duration {
	return time.Duration(c.Sync.DebounceMs) * time.Millisecond
}

// WatchDebounceInterval returns the store watcher debounce as a duration.
func (c *Config) WatchDebounceInterval() time.Duration {
	return time.Duration(c.Storage.WatchDebounceMs) * time.Millisecond
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path (optional; empty skips the file),
// applies environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays COMPANION_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COMPANION_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("COMPANION_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("COMPANION_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("COMPANION_BACKEND_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("COMPANION_USER_ID"); v != "" {
		c.Backend.UserID = v
	}
	if v := os.Getenv("COMPANION_STORE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("COMPANION_SEAL_PASSPHRASE"); v != "" {
		c.Storage.SealPassphrase = v
	}
	if v := os.Getenv("COMPANION_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Sync.DebounceMs = ms
		}
	}
}

// setDefaults fills zero values left by a sparse config file.
func (c *Config) setDefaults() {
	d := Default()
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Storage.WatchDebounceMs <= 0 {
		c.Storage.WatchDebounceMs = d.Storage.WatchDebounceMs
	}
	if c.Sync.DebounceMs <= 0 {
		c.Sync.DebounceMs = d.Sync.DebounceMs
	}
	// An explicit zero disables retries; only negative values are
	// treated as unset.
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = d.Retry.MaxRetries
	}
	if c.Retry.InitialDelayMs <= 0 {
		c.Retry.InitialDelayMs = d.Retry.InitialDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = d.Retry.MaxDelayMs
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "backend.base_url",
				Message: fmt.Sprintf("invalid URL %q, must be http(s)://host", c.Backend.BaseURL),
			})
		}
	}
	if c.Backend.Token != "" && c.Backend.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: "required when backend.token is set",
		})
	}
	if c.Server.Listen == "" {
		errs = append(errs, ValidationError{Field: "server.listen", Message: "must not be empty"})
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_rps", Message: "rate limits cannot be negative"})
	}
	if c.Sync.DebounceMs > 60_000 {
		errs = append(errs, ValidationError{
			Field:   "sync.debounce_ms",
			Message: "debounce above 60s defeats the purpose of write-back",
		})
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		errs = append(errs, ValidationError{
			Field:   "retry.max_delay_ms",
			Message: "must be >= retry.initial_delay_ms",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
