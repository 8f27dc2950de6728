package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "discover"

[risk]
kelly_fraction = 0.5
stop_loss = 0.2

[risk.strategy_caps]
whale_replication = 0.7

[whale.weights]
win_rate = 0.5
consistency = 0.2
timing = 0.1
selection = 0.1
risk = 0.1

[signal]
copy_delay = "2m"

[discovery]
source = "goldsky"

[goldsky]
url = "https://example.invalid/subgraph"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("POLYWHALE_SERVER_API_KEY", "from-env")
	t.Setenv("POLYWHALE_DISCOVERY_INTERVAL", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "discover", cfg.Mode)
	assert.Equal(t, 0.5, cfg.Risk.KellyFraction)
	assert.Equal(t, 0.2, cfg.Risk.StopLoss)
	assert.Equal(t, 0.7, cfg.Risk.StrategyCaps["whale_replication"])
	assert.Equal(t, 0.5, cfg.Whale.Weights.WinRate)
	assert.Equal(t, 2*time.Minute, cfg.Signal.CopyDelay.Duration)
	assert.Equal(t, "goldsky", cfg.Discovery.Source)
	assert.Equal(t, "from-env", cfg.Server.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Discovery.Interval.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.95, cfg.NearCertain.MinPrice)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[signal]\nmax_wait = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_AggregatesProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "arbitrage"
	cfg.Risk.KellyFraction = 0
	cfg.Risk.DailyLossLimit = 0.2
	cfg.Whale.Weights.Risk = 0.5
	cfg.Signal.StaleTolerance = 0.01
	cfg.Orchestrator.CycleSchedule = "every now and then"
	cfg.Discovery.Source = "kafka"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	for _, want := range []string{
		`unknown mode "arbitrage"`,
		"kelly_fraction",
		"daily_loss_limit must not exceed weekly_loss_limit",
		"weights must sum to 1",
		"slippage_tolerance < stale_tolerance",
		"orchestrator.cycle_schedule",
		`unknown source "kafka"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Cases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"goldsky without url", func(c *Config) { c.Discovery.Source = "goldsky" }, false},
		{"discovery disabled ignores source", func(c *Config) {
			c.Discovery.Enabled = false
			c.Discovery.Source = ""
		}, true},
		{"inverted near-certain band", func(c *Config) { c.NearCertain.MinPrice = 0.99; c.NearCertain.MaxPrice = 0.95 }, false},
		{"near-certain disabled skips band", func(c *Config) {
			c.NearCertain.Enabled = false
			c.NearCertain.MinPrice = 0
		}, true},
		{"stop loss of one", func(c *Config) { c.Risk.StopLoss = 1 }, false},
		{"archive without bucket", func(c *Config) { c.S3.Bucket = "" }, false},
		{"no archive no bucket", func(c *Config) {
			c.Archive.Enabled = false
			c.S3.Bucket = ""
		}, true},
		{"dsn replaces host", func(c *Config) {
			c.Supabase.DSN = "postgres://u:p@db:5432/x"
			c.Supabase.Host = ""
		}, true},
		{"zero initial capital", func(c *Config) { c.Portfolio.InitialCapital = 0 }, false},
		{"strategy cap above one", func(c *Config) { c.Risk.StrategyCaps["near_certain"] = 1.5 }, false},
		{"empty rescore schedule", func(c *Config) { c.Whale.RescoreSchedule = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			}
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Supabase.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Supabase.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.S3.SecretKey, "empty secrets stay empty")

	out.Risk.StrategyCaps["near_certain"] = 0.9
	out.Notify.Events[0] = "changed"
	assert.Equal(t, 0.5, cfg.Risk.StrategyCaps["near_certain"])
	assert.NotEqual(t, "changed", cfg.Notify.Events[0])
	assert.Equal(t, "hunter2", cfg.Supabase.Password)
}
