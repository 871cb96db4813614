// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sheetbox/content"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// RemoteConfig holds remote data service settings
type RemoteConfig struct {
	BaseURL     string `yaml:"base_url"`
	RealtimeURL string `yaml:"realtime_url"` // websocket change feed endpoint
	Username    string `yaml:"username"`
	UseKeyring  bool   `yaml:"use_keyring"`
}

// StoreConfig holds persistent store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig holds cache engine settings
type CacheConfig struct {
	QuotaBytes int64               `yaml:"quota_bytes"` // storage quota for cached entries
	Strategies map[string]Strategy `yaml:"strategies"`  // per-category policy table
}

// Strategy is the per-category cache policy. It is configuration data the
// engine consults, not code; new categories only need a new entry here.
type Strategy struct {
	MaxAge         string           `yaml:"max_age"`  // base TTL, e.g. "10m"
	MaxSize        int64            `yaml:"max_size"` // per-category byte budget
	Priority       content.Priority `yaml:"priority"`
	PreloadRelated bool             `yaml:"preload_related"`
}

// MaxAgeDuration parses the strategy's base TTL, falling back to 10 minutes.
func (s Strategy) MaxAgeDuration() time.Duration {
	d, err := time.ParseDuration(s.MaxAge)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MinInterval       string `yaml:"min_interval"`        // guard between background syncs (default "30s")
	Periodic          string `yaml:"periodic"`            // periodic sync timer (default "5m")
	RetentionDays     int    `yaml:"retention_days"`      // prune local records older than this (default 30)
	RetryCap          int    `yaml:"retry_cap"`           // transient failure retries per operation (default 3)
	FileWatcher       bool   `yaml:"file_watcher"`        // watch the store file for external writers
	WatchDebounceMs   int    `yaml:"watch_debounce_ms"`   // debounce for file watcher triggers
	ConflictStrategy  string `yaml:"conflict_resolution"` // default strategy surfaced to the caller
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"` // connectivity check timeout
}

// MinIntervalDuration parses the minimum sync interval with its default.
func (s SyncConfig) MinIntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.MinInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// PeriodicDuration parses the periodic sync interval with its default.
func (s SyncConfig) PeriodicDuration() time.Duration {
	d, err := time.ParseDuration(s.Periodic)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Retention returns the record retention window.
func (s SyncConfig) Retention() time.Duration {
	days := s.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	BackgroundEnabled *bool `yaml:"background_enabled"` // background log file creation (default: true)
}

// IsBackgroundLoggingEnabled returns the effective background logging setting.
func (l LoggingConfig) IsBackgroundLoggingEnabled() bool {
	if l.BackgroundEnabled == nil {
		return true
	}
	return *l.BackgroundEnabled
}

// DefaultQuotaBytes is the default cache storage quota (50 MiB).
const DefaultQuotaBytes = 50 << 20

// DefaultStrategies returns the built-in per-category cache policy table.
// Values loaded from the config file override these per category.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		content.CategoryDocuments: {
			MaxAge:         "10m",
			MaxSize:        4 << 20,
			Priority:       content.PriorityHigh,
			PreloadRelated: true, // covers are fetched alongside document lists
		},
		content.CategoryFolders: {
			MaxAge:   "10m",
			MaxSize:  1 << 20,
			Priority: content.PriorityHigh,
		},
		content.CategoryCovers: {
			MaxAge:   "1h",
			MaxSize:  20 << 20,
			Priority: content.PriorityMedium,
		},
		content.CategoryWorksheets: {
			MaxAge:   "24h",
			MaxSize:  20 << 20,
			Priority: content.PriorityHigh,
		},
		content.CategoryActivations: {
			MaxAge:   "5m",
			MaxSize:  1 << 20,
			Priority: content.PriorityHigh,
		},
		content.CategorySession: {
			MaxAge:   "30m",
			MaxSize:  64 << 10,
			Priority: content.PriorityHigh,
		},
	}
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Cache: CacheConfig{
			QuotaBytes: DefaultQuotaBytes,
			Strategies: DefaultStrategies(),
		},
		Sync: SyncConfig{
			Enabled:           true,
			MinInterval:       "30s",
			Periodic:          "5m",
			RetentionDays:     30,
			RetryCap:          3,
			WatchDebounceMs:   1000,
			ConflictStrategy:  "manual",
			ConnectTimeoutSec: 5,
		},
	}
}

// defaultStorePath returns the XDG-compliant default database path.
func defaultStorePath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "sheetbox.db"
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "sheetbox", "sheetbox.db")
}

// DefaultConfigPath returns the XDG-compliant default config path.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "sheetbox", "config.yaml")
}

// Load reads the config file at path, layering it over the defaults.
// A missing file returns the defaults without error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	mergeConfig(cfg, &fileCfg)
	return cfg, nil
}

// mergeConfig overlays non-zero file values onto the default config, so a
// partial config file keeps the built-in strategy table for categories it
// does not mention.
func mergeConfig(base, file *Config) {
	if file.Remote.BaseURL != "" {
		base.Remote.BaseURL = file.Remote.BaseURL
	}
	if file.Remote.RealtimeURL != "" {
		base.Remote.RealtimeURL = file.Remote.RealtimeURL
	}
	if file.Remote.Username != "" {
		base.Remote.Username = file.Remote.Username
	}
	if file.Remote.UseKeyring {
		base.Remote.UseKeyring = true
	}
	if file.Store.Path != "" {
		base.Store.Path = file.Store.Path
	}
	if file.Cache.QuotaBytes > 0 {
		base.Cache.QuotaBytes = file.Cache.QuotaBytes
	}
	for name, strategy := range file.Cache.Strategies {
		merged := base.Cache.Strategies[name]
		if strategy.MaxAge != "" {
			merged.MaxAge = strategy.MaxAge
		}
		if strategy.MaxSize > 0 {
			merged.MaxSize = strategy.MaxSize
		}
		if strategy.Priority != 0 {
			merged.Priority = strategy.Priority
		}
		if strategy.PreloadRelated {
			merged.PreloadRelated = true
		}
		base.Cache.Strategies[name] = merged
	}

	syncFile := file.Sync
	if syncFile.MinInterval != "" {
		base.Sync.MinInterval = syncFile.MinInterval
	}
	if syncFile.Periodic != "" {
		base.Sync.Periodic = syncFile.Periodic
	}
	if syncFile.RetentionDays > 0 {
		base.Sync.RetentionDays = syncFile.RetentionDays
	}
	if syncFile.RetryCap > 0 {
		base.Sync.RetryCap = syncFile.RetryCap
	}
	if syncFile.ConflictStrategy != "" {
		base.Sync.ConflictStrategy = syncFile.ConflictStrategy
	}
	if syncFile.WatchDebounceMs > 0 {
		base.Sync.WatchDebounceMs = syncFile.WatchDebounceMs
	}
	if syncFile.ConnectTimeoutSec > 0 {
		base.Sync.ConnectTimeoutSec = syncFile.ConnectTimeoutSec
	}
	base.Sync.FileWatcher = syncFile.FileWatcher

	if file.Logging.BackgroundEnabled != nil {
		base.Logging.BackgroundEnabled = file.Logging.BackgroundEnabled
	}
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
