// Package config loads process configuration from defaults, an optional
// config file, environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/query"
)

// Config holds the process configuration. Each key is also read from the
// environment under its upper-cased name, e.g. DATABASE_URL.
type Config struct {
	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`
	HTTPAddr       string `mapstructure:"http_addr"`
	Debug          bool   `mapstructure:"debug"`
	LogLevel       string `mapstructure:"log_level"`

	// Escrow transactions
	MaxTxRetries   int           `mapstructure:"max_tx_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`

	// Distributed mode
	Distributed       bool          `mapstructure:"distributed_mode"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReplicaTimeout    time.Duration `mapstructure:"replica_timeout"`
	LeaderTerm        time.Duration `mapstructure:"leader_term"`
	AuditInterval     time.Duration `mapstructure:"audit_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	// Read side
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	EventHistory int           `mapstructure:"event_history"`
}

func setDefaults(v *viper.Viper) {
	defaults := marketplace.DefaultConfig()

	v.SetDefault("database_driver", marketplace.DriverPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")

	v.SetDefault("max_tx_retries", defaults.MaxTxRetries)
	v.SetDefault("retry_base_delay", defaults.RetryBaseDelay)
	v.SetDefault("retry_max_delay", defaults.RetryMaxDelay)

	v.SetDefault("distributed_mode", defaults.Distributed)
	v.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	v.SetDefault("replica_timeout", defaults.ReplicaTimeout)
	v.SetDefault("leader_term", defaults.LeaderTerm)
	v.SetDefault("audit_interval", defaults.AuditInterval)
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	v.SetDefault("cache_size", 256)
	v.SetDefault("cache_ttl", 5*time.Second)
	v.SetDefault("event_history", 1000)
}

// Load reads configuration. path may be empty; flags may be nil. Flags are
// bound by name, with dashes standing for underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case marketplace.DriverPostgres, marketplace.DriverPgx, marketplace.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	if c.MaxTxRetries < 0 {
		return fmt.Errorf("max_tx_retries must not be negative")
	}
	for key, d := range map[string]time.Duration{
		"heartbeat_interval": c.HeartbeatInterval,
		"replica_timeout":    c.ReplicaTimeout,
		"leader_term":        c.LeaderTerm,
		"audit_interval":     c.AuditInterval,
		"shutdown_timeout":   c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Marketplace returns the escrow engine and supervisor settings.
func (c *Config) Marketplace() *marketplace.Config {
	return &marketplace.Config{
		MaxTxRetries:      c.MaxTxRetries,
		RetryBaseDelay:    c.RetryBaseDelay,
		RetryMaxDelay:     c.RetryMaxDelay,
		Distributed:       c.Distributed,
		HeartbeatInterval: c.HeartbeatInterval,
		ReplicaTimeout:    c.ReplicaTimeout,
		LeaderTerm:        c.LeaderTerm,
		AuditInterval:     c.AuditInterval,
		ShutdownTimeout:   c.ShutdownTimeout,
	}
}

// Query returns the read cache settings.
func (c *Config) Query() query.Options {
	return query.Options{
		CacheSize:      c.CacheSize,
		CacheTTL:       c.CacheTTL,
		ReplicaTimeout: c.ReplicaTimeout,
	}
}

// SlogLevel returns the configured log level. DEBUG=true forces debug.
func (c *Config) SlogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}
