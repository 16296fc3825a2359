package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the task service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	RequestTimeout   time.Duration
	MetricsNamespace string
	LogLevel         string

	DatabaseURL            string
	DatabaseMaxConns       int
	DatabaseConnectTimeout time.Duration
	DatabaseAutoMigrate    bool

	DefaultPageSize int
	MaxPageSize     int
}

// Load reads an optional env file, then environment variables, and applies
// safe defaults. Variables already set in the process win over the file.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "taskapp"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
		RequestTimeout:         10 * time.Second,
		DatabaseMaxConns:       10,
		DatabaseConnectTimeout: 30 * time.Second,
		DatabaseAutoMigrate:    true,
		DefaultPageSize:        20,
		MaxPageSize:            100,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout, err = durationFromEnv("APP_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseConnectTimeout, err = durationFromEnv("DATABASE_CONNECT_TIMEOUT", cfg.DatabaseConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseMaxConns, err = intFromEnv("DATABASE_MAX_CONNS", cfg.DatabaseMaxConns)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseAutoMigrate, err = boolFromEnv("DATABASE_AUTO_MIGRATE", cfg.DatabaseAutoMigrate)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultPageSize, err = intFromEnv("TASK_DEFAULT_PAGE_SIZE", cfg.DefaultPageSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPageSize, err = intFromEnv("TASK_MAX_PAGE_SIZE", cfg.MaxPageSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	if cfg.RequestTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_REQUEST_TIMEOUT must be at least 1s")
	}
	if cfg.DatabaseConnectTimeout < time.Second {
		return Config{}, fmt.Errorf("DATABASE_CONNECT_TIMEOUT must be at least 1s")
	}
	if cfg.DatabaseMaxConns <= 0 {
		return Config{}, fmt.Errorf("DATABASE_MAX_CONNS must be positive")
	}
	if cfg.DefaultPageSize <= 0 {
		return Config{}, fmt.Errorf("TASK_DEFAULT_PAGE_SIZE must be positive")
	}
	if cfg.MaxPageSize <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_PAGE_SIZE must be positive")
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		return Config{}, fmt.Errorf("TASK_DEFAULT_PAGE_SIZE must not exceed TASK_MAX_PAGE_SIZE")
	}

	return cfg, nil
}

// loadEnvFile applies path with godotenv. A missing file is not an error.
func loadEnvFile(path string) error {
	path = trimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("APP_ENV_FILE %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
