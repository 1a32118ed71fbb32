// Package config loads the catalog service configuration from an optional
// YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/hacktracker/go/internal/dbconfig"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the configuration of the catalog service.
type Config struct {
	// Backend selects the store: memory or postgres.
	Backend string `env:"BACKEND" yaml:"backend"`

	// Database is read from the plain DB_* variables.
	Database dbconfig.Config `env:"-" yaml:"database"`

	NATS      NATSConfig      `envPrefix:"NATS_" yaml:"nats"`
	Listener  ListenerConfig  `envPrefix:"LISTENER_" yaml:"listener"`
	Mirror    MirrorConfig    `envPrefix:"MIRROR_" yaml:"mirror"`
	Retention RetentionConfig `envPrefix:"RETENTION_" yaml:"retention"`
	Audit     AuditConfig     `envPrefix:"AUDIT_" yaml:"audit"`
	Ops       OpsConfig       `envPrefix:"OPS_" yaml:"ops"`
	Log       LogConfig       `envPrefix:"LOG_" yaml:"log"`

	// SystemAdmins are user ids granted every action.
	SystemAdmins []string `env:"SYSTEM_ADMINS" envSeparator:"," yaml:"system_admins"`
}

// NATSConfig configures the change bus.
type NATSConfig struct {
	URL           string        `env:"URL" yaml:"url"`
	Stream        string        `env:"STREAM" yaml:"stream"`
	SubjectPrefix string        `env:"SUBJECT_PREFIX" yaml:"subject_prefix"`
	Consumer      string        `env:"CONSUMER" yaml:"consumer"`
	MaxAge        time.Duration `env:"MAX_AGE" yaml:"max_age"`
}

// ListenerConfig configures the outbox listener.
type ListenerConfig struct {
	Channel          string        `env:"CHANNEL" yaml:"channel"`
	FallbackInterval time.Duration `env:"FALLBACK_INTERVAL" yaml:"fallback_interval"`
	BatchSize        int           `env:"BATCH_SIZE" yaml:"batch_size"`
}

// MirrorConfig configures the mirroring engine's retry budget.
type MirrorConfig struct {
	MaxTries        uint          `env:"MAX_TRIES" yaml:"max_tries"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" yaml:"initial_interval"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" yaml:"max_interval"`
}

// RetentionConfig configures the retention sweep.
type RetentionConfig struct {
	Window    time.Duration `env:"WINDOW" yaml:"window"`
	Schedule  string        `env:"SCHEDULE" yaml:"schedule"`
	BatchSize int           `env:"BATCH_SIZE" yaml:"batch_size"`
}

// AuditConfig configures the S3 audit archive. An empty bucket disables it.
type AuditConfig struct {
	Bucket          string `env:"BUCKET" yaml:"bucket"`
	Region          string `env:"REGION" yaml:"region"`
	Prefix          string `env:"PREFIX" yaml:"prefix"`
	Endpoint        string `env:"ENDPOINT" yaml:"endpoint"`
	AccessKeyID     string `env:"ACCESS_KEY_ID" yaml:"access_key_id"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY" yaml:"secret_access_key"`
	PathStyle       bool   `env:"PATH_STYLE" yaml:"path_style"`
}

// OpsConfig configures the health and metrics endpoint.
type OpsConfig struct {
	Addr string `env:"ADDR" yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string `env:"LEVEL" yaml:"level"`
	Console bool   `env:"CONSOLE" yaml:"console"`
}

// EnvPrefix prefixes every variable except the DB_* ones.
const EnvPrefix = "HACKTRACKER_"

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Backend:  BackendPostgres,
		Database: dbconfig.Default(),
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Stream:        "CATALOG_CHANGES",
			SubjectPrefix: "catalog.changes",
			Consumer:      "catalog-mirror",
			MaxAge:        7 * 24 * time.Hour,
		},
		Listener: ListenerConfig{
			Channel:          "catalog_changes",
			FallbackInterval: 30 * time.Second,
			BatchSize:        100,
		},
		Mirror: MirrorConfig{
			MaxTries:        5,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Retention: RetentionConfig{
			Window:    30 * 24 * time.Hour,
			Schedule:  "15 3 * * *",
			BatchSize: 200,
		},
		Audit: AuditConfig{Region: "us-east-1", Prefix: "audit"},
		Ops:   OpsConfig{Addr: ":9090"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) with ${VAR} references expanded, the DB_*
// variables and finally the HACKTRACKER_* variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := dbconfig.ApplyEnv(&cfg.Database); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment variables: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.Backend == BackendPostgres && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required with the postgres backend")
	}
	return nil
}
