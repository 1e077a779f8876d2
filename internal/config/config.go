// Package config provides configuration loading and management for the key-value store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/gitkv/internal/telemetry"
)

// EnvPrefix is the prefix of environment variables read by the CLI
const EnvPrefix = "GITKV"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Repository RepositoryConfig  `yaml:"repository"`
	Cache      *CacheConfig      `yaml:"cache,omitempty"`
	Validation *ValidationConfig `yaml:"validation,omitempty"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`
}

// RepositoryConfig locates the backing git repository
type RepositoryConfig struct {
	// Path is the directory of the bare repository
	Path string `yaml:"path"`

	// DefaultRef is used when a caller names no reference.
	// Short names are taken as branches.
	DefaultRef string `yaml:"defaultRef,omitempty"`

	// Init creates an empty bare repository when Path holds none
	Init bool `yaml:"init,omitempty"`
}

// CacheConfig tunes the per-reference caches. Zero values select the
// store defaults.
type CacheConfig struct {
	// Size is the number of entries cached per reference
	Size int `yaml:"size,omitempty"`

	// StreamThreshold is the content size in bytes from which content is
	// read from the repository on every access instead of being cached
	StreamThreshold int64 `yaml:"streamThreshold,omitempty"`

	// ReloadConcurrency bounds the keys re-read in parallel after a reload
	ReloadConcurrency int `yaml:"reloadConcurrency,omitempty"`

	// RefreshInterval is how often references are polled for changes made
	// by other writers, as a Go duration. Empty disables polling.
	RefreshInterval string `yaml:"refreshInterval,omitempty"`
}

// GetRefreshInterval returns the parsed refresh interval, zero when polling
// is disabled
func (c CacheConfig) GetRefreshInterval() time.Duration {
	if c.RefreshInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil {
		return 0
	}
	return d
}

// ValidationConfig controls snapshot validation
type ValidationConfig struct {
	// Concurrency bounds the files checked in parallel
	Concurrency int `yaml:"concurrency,omitempty"`

	// OnStartup runs the default reference check and validates every
	// reference before the store is used
	OnStartup *bool `yaml:"onStartup,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// ValidateOnStartup reports whether startup validation is enabled; it is
// unless explicitly turned off
func (c *Config) ValidateOnStartup() bool {
	if c.Validation == nil || c.Validation.OnStartup == nil {
		return true
	}
	return *c.Validation.OnStartup
}

// GetCache returns the cache section, never nil
func (c *Config) GetCache() CacheConfig {
	if c.Cache == nil {
		return CacheConfig{}
	}
	return *c.Cache
}

// GetValidationConcurrency returns the configured validation concurrency,
// zero when unset
func (c *Config) GetValidationConcurrency() int {
	if c.Validation == nil {
		return 0
	}
	return c.Validation.Concurrency
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if strings.TrimSpace(c.Repository.Path) == "" {
		return fmt.Errorf("repository.path is required")
	}
	if ref := c.Repository.DefaultRef; ref != "" {
		if strings.HasPrefix(ref, "refs/") && !strings.HasPrefix(ref, "refs/heads/") {
			return fmt.Errorf("repository.defaultRef must be a branch, got %s", ref)
		}
	}

	if c.Cache != nil {
		if c.Cache.Size < 0 {
			return fmt.Errorf("cache.size must not be negative, got %d", c.Cache.Size)
		}
		if c.Cache.StreamThreshold < 0 {
			return fmt.Errorf("cache.streamThreshold must not be negative, got %d", c.Cache.StreamThreshold)
		}
		if c.Cache.ReloadConcurrency < 0 {
			return fmt.Errorf("cache.reloadConcurrency must not be negative, got %d", c.Cache.ReloadConcurrency)
		}
		if c.Cache.RefreshInterval != "" {
			d, err := time.ParseDuration(c.Cache.RefreshInterval)
			if err != nil {
				return fmt.Errorf("cache.refreshInterval is invalid: %w", err)
			}
			if d <= 0 {
				return fmt.Errorf("cache.refreshInterval must be positive, got %s", c.Cache.RefreshInterval)
			}
		}
	}

	if c.Validation != nil && c.Validation.Concurrency < 0 {
		return fmt.Errorf("validation.concurrency must not be negative, got %d", c.Validation.Concurrency)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
