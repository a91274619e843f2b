package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ BASIC SETTINGS ============
	Enabled bool `mapstructure:"enabled"`

	// ============ SCHEDULING ============
	// The engine never retries on its own; these drive the serve command's scheduler.
	AutoSyncEnabled  bool `mapstructure:"auto_sync_enabled"`
	AutoSyncInterval int  `mapstructure:"auto_sync_interval"` // seconds
	SyncOnStartup    bool `mapstructure:"sync_on_startup"`

	// ============ LIMITS ============
	SyncTimeout int `mapstructure:"sync_timeout"` // seconds, per network call
	BatchSize   int `mapstructure:"batch_size"`   // push items per request
	PageSize    int `mapstructure:"page_size"`    // pull items per page
	MaxPages    int `mapstructure:"max_pages"`    // pull pages per type per round

	// ============ CONFLICTS ============
	ConflictResolution string `mapstructure:"conflict_resolution"` // manual, server_wins, client_wins

	// ============ OPTIMIZATION ============
	ParallelWorkers int `mapstructure:"parallel_workers"`

	// ============ ROUTES ============
	HealthCheckInterval int               `mapstructure:"health_check_interval"` // seconds
	Routes              []SyncRouteConfig `mapstructure:"routes"`
}

// SyncRouteConfig represents a sync route
type SyncRouteConfig struct {
	URL      string `mapstructure:"url"`
	Type     string `mapstructure:"type"`     // primary, fallback
	Timeout  int    `mapstructure:"timeout"`  // seconds
	Priority int    `mapstructure:"priority"` // lower = higher priority
}

// RequestTimeout returns the per-call network timeout
func (c *SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.SyncTimeout) * time.Second
}

// Normalize replaces out-of-range values with defaults
func (c *SyncConfig) Normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30
	}
	if c.ParallelWorkers <= 0 {
		c.ParallelWorkers = 1
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = "manual"
	}
	if c.AutoSyncInterval <= 0 {
		c.AutoSyncInterval = 300
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30
	}
}

// AddServerRoutes appends routes for the configured server URLs when the
// config file did not declare any
func (c *SyncConfig) AddServerRoutes(server ServerConfig) {
	if len(c.Routes) > 0 {
		return
	}
	if server.URL != "" {
		log.Printf("🔗 Adding primary sync route: %s", server.URL)
		c.Routes = append(c.Routes, SyncRouteConfig{URL: server.URL, Type: "primary", Timeout: 10, Priority: 1})
	}
	if server.FallbackURL != "" {
		log.Printf("🔗 Adding fallback sync route: %s", server.FallbackURL)
		c.Routes = append(c.Routes, SyncRouteConfig{URL: server.FallbackURL, Type: "fallback", Timeout: 15, Priority: 2})
	}
	if len(c.Routes) == 0 {
		log.Println("⚠️ No sync routes configured (SYNC_SERVER_URL not set)")
	}
}

// LoadSyncConfig loads sync configuration from an optional file at
// SYNC_CONFIG_PATH, SYNC_* environment variables and defaults, in that
// order of precedence: env > file > defaults.
func LoadSyncConfig() (*SyncConfig, error) {
	v := viper.New()
	setSyncDefaults(v)

	v.SetEnvPrefix("SYNC")
	v.AutomaticEnv()

	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read sync config %s: %w", configPath, err)
		}
		log.Printf("📄 Sync config loaded from %s", v.ConfigFileUsed())
	}

	var cfg SyncConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode sync config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

func setSyncDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("auto_sync_enabled", true)
	v.SetDefault("auto_sync_interval", 300)
	v.SetDefault("sync_on_startup", true)
	v.SetDefault("sync_timeout", 30)
	v.SetDefault("batch_size", 100)
	v.SetDefault("page_size", 100)
	v.SetDefault("max_pages", 50)
	v.SetDefault("conflict_resolution", "manual")
	v.SetDefault("parallel_workers", 1)
	v.SetDefault("health_check_interval", 30)
}
