// Package config provides configuration management for the bastion punishment service.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Punishment PunishmentConfig `mapstructure:"punishment"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Export     ExportConfig     `mapstructure:"export"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// ServerID names this instance in cross-server events. Defaults to the hostname.
	ServerID string `mapstructure:"server_id"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings.
// Supports both PostgreSQL and SQLite backends.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF

	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings.
// Redis backs the shared directory cache, the sweep lock and cross-server events.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DirectoryConfig holds identity directory client settings.
type DirectoryConfig struct {
	// BaseURL is the API root; lookups go to {BaseURL}/user/{identifier}.
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds a single lookup.
	Timeout time.Duration `mapstructure:"timeout"`

	// RequestsPerSecond and Burst rate limit outgoing lookups.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// SharedCacheTTL is how long lookups are kept in the shared Redis cache. 0 disables it.
	SharedCacheTTL time.Duration `mapstructure:"shared_cache_ttl"`

	// CoalesceLookups merges concurrent lookups of the same key into one request.
	CoalesceLookups bool `mapstructure:"coalesce_lookups"`

	// RefreshAfter is how old a stored player may get before it is reconciled again.
	RefreshAfter time.Duration `mapstructure:"refresh_after"`

	UserAgent string `mapstructure:"user_agent"`
}

// CacheConfig holds in-process cache settings.
type CacheConfig struct {
	// IdentityTTL is the write TTL of both identity maps.
	IdentityTTL time.Duration `mapstructure:"identity_ttl"`

	// IdentityCapacity bounds each identity map.
	IdentityCapacity int `mapstructure:"identity_capacity"`

	// PunishmentTTL is the access-refreshed TTL of punishment lists.
	PunishmentTTL time.Duration `mapstructure:"punishment_ttl"`

	// PunishmentCapacity bounds the number of cached targets.
	PunishmentCapacity int `mapstructure:"punishment_capacity"`

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// PunishmentConfig holds punishment lifecycle settings.
type PunishmentConfig struct {
	// SweepEnabled runs the periodic bulk expiration.
	SweepEnabled bool `mapstructure:"sweep_enabled"`

	// SweepInterval is how often the bulk expiration runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SweepLockTTL is the lease on the sweep lock. It is renewed while a sweep
	// runs, so it only bounds how long a crashed server blocks the others.
	SweepLockTTL time.Duration `mapstructure:"sweep_lock_ttl"`

	// WriteBackTimeout bounds fire-and-forget store writes.
	WriteBackTimeout time.Duration `mapstructure:"write_back_timeout"`
}

// EventsConfig holds cross-server notification settings.
type EventsConfig struct {
	// Enabled publishes and consumes punishment change events. Requires Redis.
	Enabled bool `mapstructure:"enabled"`

	// Channel is the Redis pub/sub channel.
	Channel string `mapstructure:"channel"`
}

// AuthConfig holds HTTP API authentication settings.
type AuthConfig struct {
	// TokenHash is the bcrypt hash of the bearer token. Empty disables authentication.
	TokenHash string `mapstructure:"token_hash"`
}

// Enabled returns true when API authentication is configured.
func (c AuthConfig) Enabled() bool {
	return c.TokenHash != ""
}

// ExportConfig holds ledger export settings for S3-compatible storage.
type ExportConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint on the API server.
	Path string `mapstructure:"path"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with BASTION_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/bastion")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.ServerID = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.server_id", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bastion")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "bastion")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	// SQLite defaults
	v.SetDefault("database.path", "./data/bastion.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Directory defaults
	v.SetDefault("directory.base_url", "https://api.ashcon.app/mojang/v2")
	v.SetDefault("directory.timeout", 5*time.Second)
	v.SetDefault("directory.requests_per_second", 10)
	v.SetDefault("directory.burst", 20)
	v.SetDefault("directory.shared_cache_ttl", 2*time.Minute)
	v.SetDefault("directory.coalesce_lookups", true)
	v.SetDefault("directory.refresh_after", 24*time.Hour)
	v.SetDefault("directory.user_agent", "bastion")

	// Cache defaults
	v.SetDefault("cache.identity_ttl", 2*time.Minute)
	v.SetDefault("cache.identity_capacity", 512)
	v.SetDefault("cache.punishment_ttl", 5*time.Minute)
	v.SetDefault("cache.punishment_capacity", 512)
	v.SetDefault("cache.cleanup_interval", 30*time.Second)

	// Punishment defaults
	v.SetDefault("punishment.sweep_enabled", true)
	v.SetDefault("punishment.sweep_interval", 15*time.Minute)
	v.SetDefault("punishment.sweep_lock_ttl", 30*time.Second)
	v.SetDefault("punishment.write_back_timeout", 10*time.Second)

	// Events defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.channel", "bastion:punishments")

	// Auth defaults
	v.SetDefault("auth.token_hash", "")

	// Export defaults
	v.SetDefault("export.region", "us-east-1")
	v.SetDefault("export.prefix", "bastion")
	v.SetDefault("export.use_path_style", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate database configuration
	validDrivers := map[string]bool{"postgres": true, "sqlite": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite'")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	} else if c.Database.Driver == "sqlite" {
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite driver")
		}
	}

	// Validate directory configuration
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url is required")
	}
	if c.Directory.RequestsPerSecond <= 0 {
		return fmt.Errorf("directory.requests_per_second must be positive")
	}
	if c.Directory.Burst < 1 {
		return fmt.Errorf("directory.burst must be at least 1")
	}

	// Validate cache configuration
	if c.Cache.IdentityTTL <= 0 || c.Cache.PunishmentTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Cache.IdentityCapacity < 1 || c.Cache.PunishmentCapacity < 1 {
		return fmt.Errorf("cache capacities must be at least 1")
	}

	if c.Punishment.SweepEnabled && c.Punishment.SweepInterval <= 0 {
		return fmt.Errorf("punishment.sweep_interval must be positive when the sweep is enabled")
	}
	if c.Punishment.SweepLockTTL <= 0 {
		return fmt.Errorf("punishment.sweep_lock_ttl must be positive")
	}

	if c.Events.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("events.enabled requires redis.enabled")
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
