package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/market")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, marketplace.DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.MaxTxRetries)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.False(t, cfg.Distributed)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATABASE_URL", "file:market.db")
	t.Setenv("DISTRIBUTED_MODE", "true")
	t.Setenv("LEADER_TERM", "45s")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, marketplace.DriverSQLite, cfg.DatabaseDriver)
	assert.True(t, cfg.Distributed)
	assert.Equal(t, 45*time.Second, cfg.LeaderTerm)
	assert.Equal(t, 45*time.Second, cfg.Marketplace().LeaderTerm)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestLoadFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_url: postgres://file/market\nhttp_addr: \":9000\"\ncache_size: 64\n"), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.String("http-addr", ":8080", "")
	flags.Bool("debug", false, "")
	require.NoError(t, flags.Parse([]string{"--http-addr", ":7000", "--debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/market", cfg.DatabaseURL)
	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 64, cfg.Query().CacheSize)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseDriver:    marketplace.DriverSQLite,
			DatabaseURL:       "file:x.db",
			LogLevel:          "info",
			HeartbeatInterval: time.Second,
			ReplicaTimeout:    time.Second,
			LeaderTerm:        time.Second,
			AuditInterval:     time.Second,
			ShutdownTimeout:   time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.DatabaseURL = "" }, "database_url is required"},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "unsupported database_driver"},
		{"negative retries", func(c *Config) { c.MaxTxRetries = -1 }, "max_tx_retries"},
		{"zero leader term", func(c *Config) { c.LeaderTerm = 0 }, "leader_term must be positive"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "invalid log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
