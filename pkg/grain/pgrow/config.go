package pgrow

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config assembles a pgxpool.Config from the environment, following the
// DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME convention the teacher's
// web-app entrypoint uses.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	MaxConns int32
	MinConns int32
}

// ConfigFromEnv reads Config from the environment, applying the same
// defaults as the teacher's web-app bootstrap.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:     getenvDefault("DB_HOST", "localhost"),
		Port:     getenvDefault("DB_PORT", "5432"),
		User:     getenvDefault("DB_USER", "grainstore"),
		Password: getenvDefault("DB_PASSWORD", "grainstore"),
		Database: getenvDefault("DB_NAME", "grainstore"),
		MaxConns: 20,
		MinConns: 5,
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("DB_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConns = int32(n)
		}
	}
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DSN returns the libpq connection string for cfg.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

const (
	maxConnLifetime   = 10 * time.Minute
	maxConnIdleTime   = 5 * time.Minute
	healthCheckPeriod = 30 * time.Second
)
