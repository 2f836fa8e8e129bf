package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Authority   AuthorityConfig   `mapstructure:"authority"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Classifier  ClassifierConfig  `mapstructure:"classifier"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig defines listener addresses and ports
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// AuthorityConfig defines the external quota authority endpoint
type AuthorityConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Timeout  string `mapstructure:"timeout"`
	CacheTTL string `mapstructure:"cache_ttl"`
}

// RemoteConfig defines the remote script-execution runtime endpoint
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout string `mapstructure:"timeout"`
}

// DetectionConfig defines browser detection settings
type DetectionConfig struct {
	Mode          string   `mapstructure:"mode"` // "auto", "basic", "enhanced", "hybrid"
	ScanInterval  string   `mapstructure:"scan_interval"`
	ExtraPatterns []string `mapstructure:"extra_patterns"` // "pattern=browser" entries added to the builtin table
	HistoryCap    int      `mapstructure:"history_cap"`    // max buffered per-site usage records per agent
}

// TrackingConfig defines usage session accounting settings
type TrackingConfig struct {
	FlushInterval      string `mapstructure:"flush_interval"`
	ResetCheckInterval string `mapstructure:"reset_check_interval"`
}

// QuotaConfig defines quota arbitration settings
type QuotaConfig struct {
	CheckInterval        string `mapstructure:"check_interval"`
	WarningThresholds    []int  `mapstructure:"warning_thresholds"` // minutes, any order
	KillOnViolation      bool   `mapstructure:"kill_on_violation"`
	GracePeriod          string `mapstructure:"grace_period"`
	ResetFlagsOnReconfig bool   `mapstructure:"reset_flags_on_reconfigure"`
}

// EnforcementConfig defines remote enforcement settings
type EnforcementConfig struct {
	ShutdownWarnIntervals []int `mapstructure:"shutdown_warn_intervals"` // minutes before shutdown
}

// ClassifierConfig defines website classification settings
type ClassifierConfig struct {
	CacheSize   int               `mapstructure:"cache_size"`
	CustomRules map[string]string `mapstructure:"custom_rules"` // domain -> category
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level                  string `mapstructure:"level"`
	Format                 string `mapstructure:"format"`
	ViolationRetentionDays int    `mapstructure:"violation_retention_days"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SCREENTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8710)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Authority defaults
	v.SetDefault("authority.base_url", "http://localhost:8700")
	v.SetDefault("authority.timeout", "10s")
	v.SetDefault("authority.cache_ttl", "5s")

	// Remote runtime defaults
	v.SetDefault("remote.base_url", "http://localhost:8720")
	v.SetDefault("remote.timeout", "15s")

	// Detection defaults
	v.SetDefault("detection.mode", "auto")
	v.SetDefault("detection.scan_interval", "5s")
	v.SetDefault("detection.extra_patterns", []string{})
	v.SetDefault("detection.history_cap", 500)

	// Tracking defaults
	v.SetDefault("tracking.flush_interval", "5m")
	v.SetDefault("tracking.reset_check_interval", "1m")

	// Quota defaults
	v.SetDefault("quota.check_interval", "30s")
	v.SetDefault("quota.warning_thresholds", []int{15, 5, 1})
	v.SetDefault("quota.kill_on_violation", true)
	v.SetDefault("quota.grace_period", "0s")
	v.SetDefault("quota.reset_flags_on_reconfigure", true)

	// Enforcement defaults
	v.SetDefault("enforcement.shutdown_warn_intervals", []int{10, 5, 1})

	// Classifier defaults
	v.SetDefault("classifier.cache_size", 1000)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/screentime/screentime.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.violation_retention_days", 30)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Authority.BaseURL == "" {
		return fmt.Errorf("authority base URL is required")
	}

	for _, threshold := range cfg.Quota.WarningThresholds {
		if threshold <= 0 {
			return fmt.Errorf("invalid warning threshold: %d minutes", threshold)
		}
	}

	switch cfg.Detection.Mode {
	case "auto", "basic", "enhanced", "hybrid":
	default:
		return fmt.Errorf("unknown detection mode: %s", cfg.Detection.Mode)
	}

	for _, pattern := range cfg.Detection.ExtraPatterns {
		if !strings.Contains(pattern, "=") {
			return fmt.Errorf("invalid extra pattern %q (expected pattern=browser)", pattern)
		}
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
		if !filepath.IsAbs(cfg.Storage.Path) {
			abs, err := filepath.Abs(cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to resolve storage path: %w", err)
			}
			cfg.Storage.Path = abs
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	return nil
}
