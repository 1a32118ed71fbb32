package dbconfig

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string `env:"DB_HOST" yaml:"host"`
	Port     int    `env:"DB_PORT" yaml:"port"`
	User     string `env:"DB_USER" yaml:"user"`
	Password string `env:"DB_PASSWORD" yaml:"password"`
	Database string `env:"DB_NAME" yaml:"name"`
	SSLMode  string `env:"DB_SSLMODE" yaml:"sslmode"`

	MaxConns        int32         `env:"DB_MAX_CONNS" yaml:"max_conns"`
	MinConns        int32         `env:"DB_MIN_CONNS" yaml:"min_conns"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" yaml:"max_conn_lifetime"`
}

// Default returns the local development settings.
func Default() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "hacktracker",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
	}
}

// NewConfigFromEnv reads DB_* environment variables over the defaults.
func NewConfigFromEnv() (Config, error) {
	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides the fields of cfg whose DB_* variable is set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse DB_* variables: %w", err)
	}
	return nil
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Database, c.SSLMode,
	)
}
