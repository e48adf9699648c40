// Package config provides reading and writing of keep configuration.
// Supports both global (~/.keep/config.yaml) and local (.keep/config.yaml).
// Reading: uses local if it exists, otherwise global.
// Writing: defaults to global, use the local scope explicitly for local.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoConfigPath is returned when the config path cannot be determined.
	ErrNoConfigPath = errors.New("cannot determine config path")
	// ErrInvalidValue is returned when a config value is invalid.
	ErrInvalidValue = errors.New("invalid config value")
)

// Scope represents the configuration scope (global or local).
type Scope int

const (
	// ScopeGlobal is user-wide config in ~/.keep/config.yaml (default)
	ScopeGlobal Scope = iota
	// ScopeLocal is directory-specific config in .keep/config.yaml
	ScopeLocal
)

// Provider names the embedding provider identity a store was indexed with.
// The triple (name, model, dimension) is compared against the identity
// recorded in the store at open; a mismatch starts a reindex.
type Provider struct {
	Name      string `yaml:"name,omitempty"`
	Model     string `yaml:"model,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
}

// Queue holds background queue tuning.
type Queue struct {
	MaxAttempts  *int `yaml:"max_attempts,omitempty"`
	ClaimTimeout *int `yaml:"claim_timeout_seconds,omitempty"`
	Workers      *int `yaml:"workers,omitempty"`
}

// Limits holds size limit configuration options.
type Limits struct {
	MaxContent       *int64 `yaml:"max_content,omitempty"`
	MaxSummaryLength *int   `yaml:"max_summary_length,omitempty"`
	CacheEntries     *int   `yaml:"cache_entries,omitempty"`
}

// Default limits applied when not configured.
const (
	DefaultMaxContent       = 100 * 1024 * 1024 // 100 MB
	DefaultMaxSummaryLength = 1024
	DefaultCacheEntries     = 4096
	DefaultMaxAttempts      = 5
	DefaultClaimTimeout     = 120
	DefaultWorkers          = 2
	DefaultHalfLifeDays     = 30.0
)

// Config contains configuration for a keep store.
type Config struct {
	// StorePath is the directory holding keep.db and the vector collection.
	StorePath string `yaml:"store_path,omitempty"`
	// Collection is the vector collection name.
	Collection string `yaml:"collection,omitempty"`
	// HalfLifeDays controls recency decay; 0 disables decay. Nil means the
	// 30-day default.
	HalfLifeDays *float64 `yaml:"half_life_days,omitempty"`
	// DefaultTags are merged under caller tags on every write.
	DefaultTags map[string]string `yaml:"default_tags,omitempty"`
	// RequiredTags lists keys that every non-system document must carry.
	RequiredTags []string `yaml:"required_tags,omitempty"`
	// Provider is the embedding provider identity.
	Provider Provider `yaml:"provider,omitempty"`
	Queue    Queue    `yaml:"queue,omitempty"`
	Limits   Limits   `yaml:"limits,omitempty"`

	// path is the file this config was loaded from (for Save)
	path  string
	scope Scope
}

// Validate checks bounds on configured values.
func (c *Config) Validate() error {
	if c.HalfLifeDays != nil && *c.HalfLifeDays < 0 {
		return fmt.Errorf("%w: half_life_days must be >= 0, got %v", ErrInvalidValue, *c.HalfLifeDays)
	}
	if c.Limits.MaxContent != nil && *c.Limits.MaxContent < 1 {
		return fmt.Errorf("%w: max_content must be positive", ErrInvalidValue)
	}
	if c.Limits.MaxSummaryLength != nil && *c.Limits.MaxSummaryLength < 16 {
		return fmt.Errorf("%w: max_summary_length must be at least 16", ErrInvalidValue)
	}
	if c.Queue.MaxAttempts != nil && *c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidValue)
	}
	if c.Queue.ClaimTimeout != nil && *c.Queue.ClaimTimeout < 1 {
		return fmt.Errorf("%w: claim_timeout_seconds must be at least 1", ErrInvalidValue)
	}
	if c.Provider.Dimension < 0 {
		return fmt.Errorf("%w: provider dimension must be >= 0", ErrInvalidValue)
	}
	for _, k := range c.RequiredTags {
		if k == "" {
			return fmt.Errorf("%w: required_tags contains an empty key", ErrInvalidValue)
		}
	}
	return nil
}

// HalfLife returns the configured decay half-life in days (defaults to 30).
func (c *Config) HalfLife() float64 {
	if c.HalfLifeDays == nil {
		return DefaultHalfLifeDays
	}
	return *c.HalfLifeDays
}

// MaxContent returns the maximum content size in bytes (defaults to 100 MB).
func (c *Config) MaxContent() int64 {
	if c.Limits.MaxContent == nil {
		return DefaultMaxContent
	}
	return *c.Limits.MaxContent
}

// MaxSummaryLength returns the verbatim-summary threshold in bytes.
// Content at or below this length becomes its own summary.
func (c *Config) MaxSummaryLength() int {
	if c.Limits.MaxSummaryLength == nil {
		return DefaultMaxSummaryLength
	}
	return *c.Limits.MaxSummaryLength
}

// CacheEntries returns the embedding LRU capacity.
func (c *Config) CacheEntries() int {
	if c.Limits.CacheEntries == nil {
		return DefaultCacheEntries
	}
	return *c.Limits.CacheEntries
}

// MaxAttempts returns the queue retry cap before dead-lettering.
func (c *Config) MaxAttempts() int {
	if c.Queue.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *c.Queue.MaxAttempts
}

// ClaimTimeoutSeconds returns how long a queue claim is held before other
// workers may re-claim.
func (c *Config) ClaimTimeoutSeconds() int {
	if c.Queue.ClaimTimeout == nil {
		return DefaultClaimTimeout
	}
	return *c.Queue.ClaimTimeout
}

// Workers returns the background pool size.
func (c *Config) Workers() int {
	if c.Queue.Workers == nil {
		return DefaultWorkers
	}
	return *c.Queue.Workers
}

// LocalPath returns the path to the local (directory) config file.
func LocalPath() string {
	return filepath.Join(".keep", "config.yaml")
}

// GlobalPath returns the path to the global (user) config file: ~/.keep/config.yaml
func GlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".keep", "config.yaml")
}

// Load reads configuration: uses local if it exists, otherwise global.
func Load() (*Config, error) {
	if _, err := os.Stat(LocalPath()); err == nil {
		return LoadScope(ScopeLocal)
	}
	return LoadScope(ScopeGlobal)
}

// LoadScope reads configuration from a specific scope.
func LoadScope(scope Scope) (*Config, error) {
	path := pathForScope(scope)
	if path == "" {
		return &Config{scope: scope}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{path: path, scope: scope}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("malformed config file %s: %w", path, err)
	}
	cfg.path = path
	cfg.scope = scope

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Scope returns which scope this config was loaded from.
func (c *Config) Scope() Scope {
	return c.scope
}

// Save writes the configuration to its original location.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = pathForScope(c.scope)
	}
	if c.path == "" {
		return ErrNoConfigPath
	}
	return c.saveToPath(c.path)
}

// saveToPath writes configuration to a specific filesystem path.
// Creates parent directories as needed with mode 0755.
func (c *Config) saveToPath(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// pathForScope returns the filesystem path for a given scope.
func pathForScope(scope Scope) string {
	switch scope {
	case ScopeLocal:
		return LocalPath()
	case ScopeGlobal:
		return GlobalPath()
	default:
		return ""
	}
}
