package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen          = ":8080"
	defaultGRPCListen      = ":9090"
	defaultSnapshotSpec    = "@every 1m"
	defaultAuditSpec       = "@every 5m"
	defaultShutdownTimeout = 15 * time.Second
	envPrefix              = "LOANERD_"
)

// Config captures the runtime settings of the loanerd daemon. Every field can
// be overridden with a LOANERD_* environment variable.
type Config struct {
	ListenAddress   string        `yaml:"listen" env:"LISTEN"`
	GRPCAddress     string        `yaml:"grpc_listen" env:"GRPC_LISTEN"`
	Environment     string        `yaml:"environment" env:"ENV"`
	ProtocolConfig  string        `yaml:"protocol_config" env:"PROTOCOL_CONFIG"`
	DataDir         string        `yaml:"data_dir" env:"DATA_DIR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Auth            AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`
	RateLimit       RateLimit     `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Jobs            JobsConfig    `yaml:"jobs" envPrefix:"JOBS_"`
	Events          EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
	Log             LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Telemetry       Telemetry     `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Dev             DevConfig     `yaml:"dev" envPrefix:"DEV_"`
}

// AuthConfig configures bearer token verification. The token subject is the
// caller's address.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret" env:"HMAC_SECRET"`
	Issuer     string        `yaml:"issuer" env:"ISSUER"`
	Audience   string        `yaml:"audience" env:"AUDIENCE"`
	Leeway     time.Duration `yaml:"leeway" env:"LEEWAY"`
}

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" env:"RPM"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

// JobsConfig holds cron specs for the background jobs. An empty spec disables
// the job.
type JobsConfig struct {
	Snapshot string `yaml:"snapshot" env:"SNAPSHOT"`
	Audit    string `yaml:"audit" env:"AUDIT"`
}

type EventsConfig struct {
	History int `yaml:"history" env:"HISTORY"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

type Telemetry struct {
	Traces  bool `yaml:"traces" env:"TRACES"`
	Metrics bool `yaml:"metrics" env:"METRICS"`
}

// DevConfig unlocks conveniences that must stay off in production.
type DevConfig struct {
	AllowMint bool `yaml:"allow_mint" env:"ALLOW_MINT"`
}

// Load reads the YAML configuration, applies environment overrides and
// validates the result. An empty path loads only defaults and environment.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
		GRPCAddress:   defaultGRPCListen,
		Jobs:          JobsConfig{Snapshot: defaultSnapshotSpec, Audit: defaultAuditSpec},
	}
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	// "off" disables the gRPC listener.
	cfg.GRPCAddress = strings.TrimSpace(cfg.GRPCAddress)
	if strings.EqualFold(cfg.GRPCAddress, "off") {
		cfg.GRPCAddress = ""
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.ProtocolConfig = strings.TrimSpace(cfg.ProtocolConfig)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	cfg.Jobs.Snapshot = strings.TrimSpace(cfg.Jobs.Snapshot)
	cfg.Jobs.Audit = strings.TrimSpace(cfg.Jobs.Audit)
	if cfg.Events.History <= 0 {
		cfg.Events.History = 1024
	}
}

func (cfg *Config) validate() error {
	var errs []error
	if len(cfg.Auth.HMACSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.hmac_secret must be at least 32 bytes"))
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}
	if cfg.Dev.AllowMint && cfg.Environment != "dev" {
		errs = append(errs, fmt.Errorf("dev.allow_mint requires environment=dev"))
	}
	return errors.Join(errs...)
}

// Persistent reports whether snapshots go to disk.
func (cfg Config) Persistent() bool { return cfg.DataDir != "" }
