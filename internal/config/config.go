package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	DatabasePath   string   `mapstructure:"database_path"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	ApprovalTimeoutHours int `mapstructure:"approval_timeout_hours"` // Approval expiry window

	SyncRetryMax        int `mapstructure:"sync_retry_max"`
	SyncRetryBaseSec    int `mapstructure:"sync_retry_base_seconds"`
	SyncRetryCapSec     int `mapstructure:"sync_retry_cap_seconds"`
	SyncJobTimeoutSec   int `mapstructure:"sync_job_timeout_sec"`   // Per-job deadline for one connector sync
	SyncWorkerCap       int `mapstructure:"sync_worker_cap"`        // Upper bound on the sync worker pool
	SyncTickSec         int `mapstructure:"sync_tick_sec"`          // Scheduler tick for due connectors
	ReaperIntervalSec   int `mapstructure:"reaper_interval_sec"`    // Approval expiry reaper tick
	ShutdownTimeoutSec  int `mapstructure:"shutdown_timeout_sec"`   // Graceful shutdown wait
	RequestTimeoutSec   int `mapstructure:"request_timeout_sec"`    // HTTP read/write
	ImpactCacheSize     int `mapstructure:"impact_cache_size"`      // LRU entries for impact snapshots
	ImpactMaxDepthBlast int `mapstructure:"impact_max_depth_blast"` // device_blast bound
	ImpactMaxDepth      int `mapstructure:"impact_max_depth"`       // all other strategies

	RiskClipMin float64 `mapstructure:"risk_clip_min"`
	RiskClipMax float64 `mapstructure:"risk_clip_max"`

	CoreDeviceK int `mapstructure:"core_device_k"` // K for is_core recomputation

	MaintenanceGraceMinutes int `mapstructure:"maintenance_window_grace_minutes"` // Tolerance on execute
	// DisplayUTCOffsetMinutes is presentation-only; all window comparisons are UTC.
	DisplayUTCOffsetMinutes int `mapstructure:"display_utc_offset_minutes"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/deplyx/")
	viper.AddConfigPath("$HOME/.deplyx")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_path", "./deplyx.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("approval_timeout_hours", 24)
	viper.SetDefault("sync_retry_max", 8)
	viper.SetDefault("sync_retry_base_seconds", 30)
	viper.SetDefault("sync_retry_cap_seconds", 900)
	viper.SetDefault("sync_job_timeout_sec", 300)
	viper.SetDefault("sync_worker_cap", 16)
	viper.SetDefault("sync_tick_sec", 60)
	viper.SetDefault("reaper_interval_sec", 60)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("impact_cache_size", 256)
	viper.SetDefault("impact_max_depth_blast", 3)
	viper.SetDefault("impact_max_depth", 2)
	viper.SetDefault("risk_clip_min", 0)
	viper.SetDefault("risk_clip_max", 100)
	viper.SetDefault("core_device_k", 2)
	viper.SetDefault("maintenance_window_grace_minutes", 5)
	viper.SetDefault("display_utc_offset_minutes", 0)

	// Environment variables
	viper.SetEnvPrefix("DEPLYX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in defaults without touching the filesystem.
// Used by tests and as the fallback when Load fails.
func Default() *Config {
	return &Config{
		Port:                    8080,
		DatabasePath:            "./deplyx.db",
		LogLevel:                "info",
		AllowedOrigins:          []string{"*"},
		ApprovalTimeoutHours:    24,
		SyncRetryMax:            8,
		SyncRetryBaseSec:        30,
		SyncRetryCapSec:         900,
		SyncJobTimeoutSec:       300,
		SyncWorkerCap:           16,
		SyncTickSec:             60,
		ReaperIntervalSec:       60,
		ShutdownTimeoutSec:      15,
		RequestTimeoutSec:       30,
		ImpactCacheSize:         256,
		ImpactMaxDepthBlast:     3,
		ImpactMaxDepth:          2,
		RiskClipMin:             0,
		RiskClipMax:             100,
		CoreDeviceK:             2,
		MaintenanceGraceMinutes: 5,
	}
}

// ApprovalTimeout returns the approval expiry window as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutHours) * time.Hour
}

// MaintenanceGrace returns the execute tolerance as a duration.
func (c *Config) MaintenanceGrace() time.Duration {
	return time.Duration(c.MaintenanceGraceMinutes) * time.Minute
}
