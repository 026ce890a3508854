// Package config loads paddock configuration from YAML files and
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PADDOCK_ prefix, underscores for nesting,
//     e.g. PADDOCK_SERVER_DATA_DIR=/var/lib/paddock)
//  2. Configuration file (explicit path, or config.yaml discovered in
//     ., ./configs, $HOME/.paddock, /etc/paddock)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration for the paddock control plane.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CA           CAConfig           `mapstructure:"ca"`
	Tokens       TokensConfig       `mapstructure:"tokens"`
	Health       HealthConfig       `mapstructure:"health"`
	Reservations ReservationsConfig `mapstructure:"reservations"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	// DataDir is where the bolt database and CA material live.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	MetricsAddr string `mapstructure:"metrics_addr" validate:"required,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// CAConfig controls the built-in certificate authority.
type CAConfig struct {
	// KeyBits is the RSA key size for the root certificate.
	KeyBits int `mapstructure:"key_bits" validate:"min=2048"`

	// ValidityYears is the root certificate lifetime.
	ValidityYears int `mapstructure:"validity_years" validate:"min=1"`

	// TrustDomain is the SPIFFE trust domain embedded in node identities.
	TrustDomain string `mapstructure:"trust_domain" validate:"required,hostname_rfc1123"`

	// Organization appears in issued certificate subjects.
	Organization string `mapstructure:"organization" validate:"required"`

	// KeyPassphrase encrypts the CA private key at rest.
	KeyPassphrase string `mapstructure:"key_passphrase" validate:"required,min=16"`
}

// TokensConfig bounds enrollment token lifetimes.
type TokensConfig struct {
	// DefaultValidity applies when token creation specifies no validity.
	DefaultValidity time.Duration `mapstructure:"default_validity" validate:"min=1m"`

	// MaxValidity caps requested token lifetimes.
	MaxValidity time.Duration `mapstructure:"max_validity" validate:"min=1m"`
}

// HealthConfig tunes the health scoring state machine.
type HealthConfig struct {
	// HealthyThreshold is the score at which a Degraded node recovers.
	HealthyThreshold float64 `mapstructure:"healthy_threshold" validate:"min=0,max=100"`

	// DegradedThreshold is the score below which an Online node degrades.
	DegradedThreshold float64 `mapstructure:"degraded_threshold" validate:"min=0,max=100"`

	// TrendMargin is the score delta below which the trend is unchanged.
	TrendMargin float64 `mapstructure:"trend_margin" validate:"min=0"`

	// IssuePenalty is the score deduction per reported health issue.
	IssuePenalty float64 `mapstructure:"issue_penalty" validate:"min=0"`

	// StaleAfter is the heartbeat age beyond which a node goes Offline.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"min=30s"`

	// SweepInterval is how often the stale-node sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1s"`
}

// ReservationsConfig tunes the capacity reservation engine.
type ReservationsConfig struct {
	// DefaultTTL applies when a reservation request specifies no TTL.
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"min=1s"`

	// MaxTTL caps requested reservation TTLs.
	MaxTTL time.Duration `mapstructure:"max_ttl" validate:"min=1s"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1s"`
}

// Load reads configuration from cfgFile and the environment. If cfgFile
// is empty, config.yaml is searched for in standard locations; running
// with no file at all uses defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.paddock")
		v.AddConfigPath("/etc/paddock")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PADDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Health.DegradedThreshold > cfg.Health.HealthyThreshold {
		return nil, fmt.Errorf("invalid configuration: degraded_threshold %v exceeds healthy_threshold %v",
			cfg.Health.DegradedThreshold, cfg.Health.HealthyThreshold)
	}
	if cfg.Tokens.DefaultValidity > cfg.Tokens.MaxValidity {
		return nil, fmt.Errorf("invalid configuration: tokens default_validity exceeds max_validity")
	}
	if cfg.Reservations.DefaultTTL > cfg.Reservations.MaxTTL {
		return nil, fmt.Errorf("invalid configuration: reservations default_ttl exceeds max_ttl")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.metrics_addr", "127.0.0.1:9464")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ca.key_bits", 4096)
	v.SetDefault("ca.validity_years", 10)
	v.SetDefault("ca.trust_domain", "paddock.local")
	v.SetDefault("ca.organization", "Paddock Fleet")
	v.SetDefault("ca.key_passphrase", "change-me-in-production")

	v.SetDefault("tokens.default_validity", "1h")
	v.SetDefault("tokens.max_validity", "24h")

	v.SetDefault("health.healthy_threshold", 70)
	v.SetDefault("health.degraded_threshold", 50)
	v.SetDefault("health.trend_margin", 5)
	v.SetDefault("health.issue_penalty", 10)
	v.SetDefault("health.stale_after", "5m")
	v.SetDefault("health.sweep_interval", "1m")

	v.SetDefault("reservations.default_ttl", "5m")
	v.SetDefault("reservations.max_ttl", "1h")
	v.SetDefault("reservations.sweep_interval", "30s")
}
