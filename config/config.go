// Package config loads the service configuration from a YAML file,
// environment variables, and built-in defaults, in that order of
// precedence. A missing config file is never fatal: the service starts
// on defaults and logs a warning.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// StartupMode defines how the service handles initialization failures.
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default).
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings.
	// With Redis unreachable this means falling back to the in-process store.
	StartupModeGraceful StartupMode = "graceful"
)

// Config holds all configuration for the argus service.
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	Redis struct {
		Addr      string        `mapstructure:"addr"`
		Password  string        `mapstructure:"password"`
		DB        int           `mapstructure:"db"`
		PoolSize  int           `mapstructure:"pool_size"`
		Enabled   bool          `mapstructure:"enabled"`
		OpTimeout time.Duration `mapstructure:"op_timeout"`
	} `mapstructure:"redis"`

	API struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		RateLimit      struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Retention struct {
		// Ceiling bounds every key's TTL and every query window.
		Ceiling   time.Duration `mapstructure:"ceiling"`
		MinuteTTL time.Duration `mapstructure:"minute_ttl"`
	} `mapstructure:"retention"`

	Engine struct {
		OnlineThreshold    time.Duration `mapstructure:"online_threshold"`
		SessionIdleGap     time.Duration `mapstructure:"session_idle_gap"`
		SessionFetchCap    int           `mapstructure:"session_fetch_cap"`
		SummaryTTL         time.Duration `mapstructure:"summary_ttl"`
		CacheTTL           time.Duration `mapstructure:"cache_ttl"`
		CacheCapacity      int           `mapstructure:"cache_capacity"`
		RecentPerDevice    int           `mapstructure:"recent_per_device"`
		RecentDevices      int           `mapstructure:"recent_devices"`
		TaskWorkers        int           `mapstructure:"task_workers"`
		TaskQueueSize      int           `mapstructure:"task_queue_size"`
		TaskMaxRetries     int           `mapstructure:"task_max_retries"`
		AllowScanRepair    bool          `mapstructure:"allow_scan_repair"`
		LeaderboardDerive  int           `mapstructure:"leaderboard_derive_cap"`
	} `mapstructure:"engine"`

	Identity struct {
		// Priority orders the name sources consulted when resolving a
		// display name. Empty means the built-in order.
		Priority []string `mapstructure:"priority"`
	} `mapstructure:"identity"`

	Routing struct {
		// File points at a YAML routing table overriding the built-in
		// keyword rules. Empty means built-ins only.
		File string `mapstructure:"file"`
	} `mapstructure:"routing"`
}

func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.op_timeout", 3*time.Second)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 200)

	viper.SetDefault("retention.ceiling", 7*24*time.Hour)
	viper.SetDefault("retention.minute_ttl", 25*time.Hour)

	viper.SetDefault("engine.online_threshold", 120*time.Second)
	viper.SetDefault("engine.session_idle_gap", 30*time.Minute)
	viper.SetDefault("engine.session_fetch_cap", 500)
	viper.SetDefault("engine.summary_ttl", time.Hour)
	viper.SetDefault("engine.cache_ttl", 15*time.Second)
	viper.SetDefault("engine.cache_capacity", 100)
	viper.SetDefault("engine.recent_per_device", 50)
	viper.SetDefault("engine.recent_devices", 512)
	viper.SetDefault("engine.task_workers", 4)
	viper.SetDefault("engine.task_queue_size", 1024)
	viper.SetDefault("engine.task_max_retries", 2)
	viper.SetDefault("engine.allow_scan_repair", true)
	viper.SetDefault("engine.leaderboard_derive_cap", 200)

	viper.SetDefault("identity.priority", []string{})
	viper.SetDefault("routing.file", "")
}

// loadFromEnv sets up environment variable loading.
func loadFromEnv() {
	viper.SetEnvPrefix("ARGUS")
	viper.AutomaticEnv()

	_ = viper.BindEnv("startup_mode", "ARGUS_STARTUP_MODE")
	_ = viper.BindEnv("redis.addr", "ARGUS_REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "ARGUS_REDIS_PASSWORD")
	_ = viper.BindEnv("redis.enabled", "ARGUS_REDIS_ENABLED")
	_ = viper.BindEnv("api.port", "ARGUS_API_PORT")
}

// LoadConfig reads config.yaml from the working directory or ./config,
// layers environment variables over it, and validates the result.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// IsGracefulMode reports whether the service should degrade instead of
// failing on initialization errors.
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode: %q (must be strict or graceful)", config.StartupMode)
	}

	if config.Redis.Enabled && config.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty when redis is enabled")
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.Host == "" {
		return fmt.Errorf("API host cannot be empty")
	}
	if config.API.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit requests_per_second must be positive")
	}
	if config.API.RateLimit.Burst < config.API.RateLimit.RequestsPerSecond {
		return fmt.Errorf("rate limit burst must be at least requests_per_second")
	}

	if config.Retention.Ceiling < time.Hour {
		return fmt.Errorf("retention ceiling must be at least one hour")
	}
	if config.Retention.MinuteTTL < time.Hour {
		return fmt.Errorf("minute TTL must be at least one hour")
	}

	if config.Engine.OnlineThreshold <= 0 {
		return fmt.Errorf("online threshold must be positive")
	}
	if config.Engine.SessionIdleGap <= 0 {
		return fmt.Errorf("session idle gap must be positive")
	}
	if config.Engine.SessionFetchCap <= 0 {
		return fmt.Errorf("session fetch cap must be positive")
	}
	if config.Engine.TaskWorkers <= 0 {
		return fmt.Errorf("task workers must be positive")
	}

	return nil
}
