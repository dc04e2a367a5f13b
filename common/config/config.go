package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all vault service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Archive   ArchiveConfig
	SMTP      SMTPConfig
	GC        GCConfig
	Telemetry TelemetryConfig
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string

	// Base URL advertised in notification e-mails and status responses
	FetchBaseURL string
}

// DatabaseConfig holds Postgres connection settings for the bundle registry
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds settings for the job streams and the artifact store
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds artifact cache settings
type CacheConfig struct {
	// "redis" or "memory"
	Backend string

	// Size of the in-process LRU fronting the backend; 0 disables it
	LRUSize int
}

// ArchiveConfig holds source archive access settings for the workers
type ArchiveConfig struct {
	// "redis" or "memory"
	Backend string
}

// SMTPConfig holds notification e-mail settings
type SMTPConfig struct {
	Enabled bool
	Host    string
	Port    int
	From    string
}

// GCConfig holds eviction settings
type GCConfig struct {
	// cron spec for the periodic sweep ("" disables the schedule)
	Schedule string

	// Bundles not fetched for longer than this are eligible for eviction
	Retention time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:         serviceName,
			Port:         getEnvInt("PORT", 5005),
			Environment:  getEnv("ENVIRONMENT", "development"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			LogFormat:    getEnv("LOG_FORMAT", "text"),
			FetchBaseURL: getEnv("FETCH_BASE_URL", "http://localhost:5005/api/v1/bundles"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "swh-vault"),
			User:        getEnv("POSTGRES_USER", "vault"),
			Password:    getEnv("POSTGRES_PASSWORD", "vault"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend: getEnv("CACHE_BACKEND", "redis"),
			LRUSize: getEnvInt("CACHE_LRU_SIZE", 128),
		},
		Archive: ArchiveConfig{
			Backend: getEnv("ARCHIVE_BACKEND", "redis"),
		},
		SMTP: SMTPConfig{
			Enabled: getEnvBool("SMTP_ENABLED", false),
			Host:    getEnv("SMTP_HOST", "localhost"),
			Port:    getEnvInt("SMTP_PORT", 25),
			From:    getEnv("SMTP_FROM", `"Software Heritage Vault" <info@softwareheritage.org>`),
		},
		GC: GCConfig{
			Schedule:  getEnv("GC_SCHEDULE", "@hourly"),
			Retention: getEnvDuration("GC_RETENTION", 30*24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Cache.Backend != "redis" && c.Cache.Backend != "memory" {
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}

	if c.Archive.Backend != "redis" && c.Archive.Backend != "memory" {
		return fmt.Errorf("unknown archive backend: %s", c.Archive.Backend)
	}

	if c.GC.Retention <= 0 {
		return fmt.Errorf("gc retention must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
