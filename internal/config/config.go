package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend names accepted by SESSIONKV_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Backend  string
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Commit   CommitConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string //nolint:gosec // G117: Redis connection config
	DB        int
	KeyPrefix string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	MaxBodyBytes int64
}

// CommitConfig bounds optimistic commit retries.
type CommitConfig struct {
	MaxRetries int
	MaxElapsed time.Duration
}

// Load reads configuration from environment variables. The defaults run a
// single process on the in-memory backend.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("SESSIONKV_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("SESSIONKV_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("SESSIONKV_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("SESSIONKV_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("SESSIONKV_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBody, err := getEnvInt("SESSIONKV_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxRetries, err := getEnvInt("SESSIONKV_COMMIT_MAX_RETRIES", 8)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxElapsed, err := getEnvDuration("SESSIONKV_COMMIT_MAX_ELAPSED", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("SESSIONKV_CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Backend: strings.ToLower(getEnv("SESSIONKV_BACKEND", BackendMemory)),
		Database: DatabaseConfig{
			Host:     getEnv("SESSIONKV_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("SESSIONKV_DB_USER", "sessionkv"),
			Password: getEnv("SESSIONKV_DB_PASSWORD", ""),
			DBName:   getEnv("SESSIONKV_DB_NAME", "sessionkv"),
			SSLMode:  getEnv("SESSIONKV_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:      getEnv("SESSIONKV_REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("SESSIONKV_REDIS_PASSWORD", ""),
			DB:        redisDB,
			KeyPrefix: getEnv("SESSIONKV_REDIS_KEY_PREFIX", ""),
		},
		Server: ServerConfig{
			Addr:         getEnv("SESSIONKV_SERVER_ADDR", ":8000"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
			MaxBodyBytes: int64(maxBody),
		},
		Commit: CommitConfig{
			MaxRetries: maxRetries,
			MaxElapsed: maxElapsed,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Backend {
	case BackendMemory:
		log.Warn().Msg("SESSIONKV_BACKEND=memory keeps data in process memory only; it is lost on restart")
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("SESSIONKV_REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.Database.SSLMode == "disable" {
			log.Warn().Msg("SESSIONKV_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
	default:
		return fmt.Errorf("SESSIONKV_BACKEND must be one of memory, redis, postgres, got %q", c.Backend)
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("SESSIONKV_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("SESSIONKV_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("SESSIONKV_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("SESSIONKV_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("SESSIONKV_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("SESSIONKV_MAX_BODY_BYTES must be >= 1, got %d", c.Server.MaxBodyBytes)
	}
	if c.Commit.MaxRetries < 1 {
		return fmt.Errorf("SESSIONKV_COMMIT_MAX_RETRIES must be >= 1, got %d", c.Commit.MaxRetries)
	}
	if c.Commit.MaxElapsed <= 0 {
		return fmt.Errorf("SESSIONKV_COMMIT_MAX_ELAPSED must be positive, got %s", c.Commit.MaxElapsed)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
