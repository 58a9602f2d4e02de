// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for casfetch
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - CASFETCH_CONFIG environment variable, or
//   - --config flag passed to the command
//
// Every field has a working default, so the CLI runs without a config
// file at all; the file overrides what it names. Environment variables
// never override config values — the only expansion performed is
// ${HOME}-style path variables for portability. Bearer tokens are NOT
// configuration: they come from CASFETCH_TOKEN or --token per
// invocation and are never written to a file this package reads.
//
// Durations are strings in Go time.ParseDuration syntax ("200ms",
// "2m"); Validate rejects malformed values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for casfetch.
type Config struct {
	// Remote configures the remote store endpoints.
	Remote RemoteConfig `yaml:"remote"`

	// Fetch configures the parallel download pipeline.
	Fetch FetchConfig `yaml:"fetch"`

	// Store configures the local encode store.
	Store StoreConfig `yaml:"store"`

	// Cache configures the local chunk-range cache.
	Cache CacheConfig `yaml:"cache"`

	// Proxy configures the HTTP front-end.
	Proxy ProxyConfig `yaml:"proxy"`
}

// RemoteConfig configures the remote store endpoints.
type RemoteConfig struct {
	// Endpoint is the content store base URL (manifests and
	// containers).
	Endpoint string `yaml:"endpoint"`

	// HubEndpoint is the base URL for repository listings. Defaults
	// to Endpoint when empty — most deployments serve both from one
	// host.
	HubEndpoint string `yaml:"hub_endpoint"`
}

// FetchConfig configures the parallel download pipeline.
type FetchConfig struct {
	// Workers is the number of concurrent range fetches (1 to 64).
	Workers int `yaml:"workers"`

	// TaskTimeout is the deadline for one range fetch plus decode.
	// Default: "2m".
	TaskTimeout string `yaml:"task_timeout"`

	// AttemptTimeout is the deadline for a single request attempt
	// within a task; a stalled attempt is retried. Default: "30s".
	AttemptTimeout string `yaml:"attempt_timeout"`

	// RetryAttempts is the total tries for a transiently failing
	// request.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the delay before the first retry; doubled on
	// each subsequent retry. Default: "200ms".
	RetryBackoff string `yaml:"retry_backoff"`

	// RetryBackoffMax caps the doubled backoff. Default: "5s".
	RetryBackoffMax string `yaml:"retry_backoff_max"`
}

// StoreConfig configures the local encode store.
type StoreConfig struct {
	// Root is the store directory. Supports ${HOME}-style expansion.
	Root string `yaml:"root"`
}

// CacheConfig configures the local chunk-range cache: a bounded,
// self-evicting store of fetched chunk ranges. The cache is off by
// default — set path to enable it.
type CacheConfig struct {
	// Path is the cache directory. Empty disables the cache.
	// Supports ${HOME}-style expansion.
	Path string `yaml:"path"`

	// Size is the total cache size in bytes. Default: 1 GiB.
	Size int64 `yaml:"size"`

	// BlockSize is the eviction granularity in bytes. Zero picks a
	// default. Ranges larger than one block are not cached.
	BlockSize int64 `yaml:"block_size"`
}

// ProxyConfig configures the casfetch-proxy HTTP front-end.
type ProxyConfig struct {
	// Listen is the address the proxy binds, host:port.
	Listen string `yaml:"listen"`

	// ShutdownTimeout is how long graceful shutdown waits for
	// in-flight downloads before closing connections. Default: "30s".
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// Default returns the default configuration. These defaults make the
// CLI usable with nothing but an endpoint flag; the config file
// overrides what it names.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Fetch: FetchConfig{
			Workers:         6,
			TaskTimeout:     "2m",
			AttemptTimeout:  "30s",
			RetryAttempts:   4,
			RetryBackoff:    "200ms",
			RetryBackoffMax: "5s",
		},
		Store: StoreConfig{
			Root: filepath.Join(homeDir, ".cache", "casfetch"),
		},
		Cache: CacheConfig{
			Size: 1 << 30,
		},
		Proxy: ProxyConfig{
			Listen:          "127.0.0.1:8077",
			ShutdownTimeout: "30s",
		},
	}
}

// Load loads configuration from the CASFETCH_CONFIG environment
// variable, falling back to defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("CASFETCH_CONFIG")
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${HOME}-style variables in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Store.Root = expandVars(c.Store.Root, vars)
	c.Cache.Path = expandVars(c.Cache.Path, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Fetch.Workers < 1 || c.Fetch.Workers > 64 {
		errs = append(errs, fmt.Errorf("fetch.workers must be 1 to 64, got %d", c.Fetch.Workers))
	}
	if c.Fetch.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.retry_attempts must be at least 1"))
	}

	if _, err := parseDuration("fetch.task_timeout", c.Fetch.TaskTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("fetch.attempt_timeout", c.Fetch.AttemptTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("proxy.shutdown_timeout", c.Proxy.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	retryBackoff, backoffErr := parseDuration("fetch.retry_backoff", c.Fetch.RetryBackoff)
	if backoffErr != nil {
		errs = append(errs, backoffErr)
	}
	retryBackoffMax, maxErr := parseDuration("fetch.retry_backoff_max", c.Fetch.RetryBackoffMax)
	if maxErr != nil {
		errs = append(errs, maxErr)
	}
	if backoffErr == nil && maxErr == nil && retryBackoffMax < retryBackoff {
		errs = append(errs, fmt.Errorf("fetch.retry_backoff_max must be at least fetch.retry_backoff"))
	}

	if c.Store.Root == "" {
		errs = append(errs, fmt.Errorf("store.root is required"))
	}
	if c.Cache.Path != "" {
		if c.Cache.Size <= 0 {
			errs = append(errs, fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size))
		}
		if c.Cache.BlockSize < 0 {
			errs = append(errs, fmt.Errorf("cache.block_size must not be negative, got %d", c.Cache.BlockSize))
		}
	}
	if c.Proxy.Listen == "" {
		errs = append(errs, fmt.Errorf("proxy.listen is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", field, value)
	}
	return d, nil
}

// TaskTimeout returns the parsed fetch.task_timeout. Call Validate
// first; malformed values fall back to the default here.
func (c *Config) TaskTimeout() time.Duration {
	return durationOr(c.Fetch.TaskTimeout, 2*time.Minute)
}

// AttemptTimeout returns the parsed fetch.attempt_timeout.
func (c *Config) AttemptTimeout() time.Duration {
	return durationOr(c.Fetch.AttemptTimeout, 30*time.Second)
}

// RetryBackoff returns the parsed fetch.retry_backoff.
func (c *Config) RetryBackoff() time.Duration {
	return durationOr(c.Fetch.RetryBackoff, 200*time.Millisecond)
}

// RetryBackoffMax returns the parsed fetch.retry_backoff_max.
func (c *Config) RetryBackoffMax() time.Duration {
	return durationOr(c.Fetch.RetryBackoffMax, 5*time.Second)
}

// ShutdownTimeout returns the parsed proxy.shutdown_timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return durationOr(c.Proxy.ShutdownTimeout, 30*time.Second)
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ListingEndpoint returns the endpoint used for repository listings:
// HubEndpoint when set, otherwise the content endpoint.
func (c *Config) ListingEndpoint() string {
	if c.Remote.HubEndpoint != "" {
		return c.Remote.HubEndpoint
	}
	return c.Remote.Endpoint
}
