package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYWHALE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYWHALE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, "POLYWHALE_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "POLYWHALE_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYWHALE_POLYMARKET_WS_HOST")
	setFloat64(&cfg.Polymarket.RatePerSec, "POLYWHALE_POLYMARKET_RATE_PER_SEC")
	setFloat64(&cfg.Polymarket.MinNotional, "POLYWHALE_POLYMARKET_MIN_NOTIONAL")

	// ── Goldsky ──
	setStr(&cfg.Goldsky.URL, "POLYWHALE_GOLDSKY_URL")
	setStr(&cfg.Goldsky.APIKey, "POLYWHALE_GOLDSKY_API_KEY")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Supabase.DSN, "POLYWHALE_SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "POLYWHALE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "POLYWHALE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "POLYWHALE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "POLYWHALE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "POLYWHALE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "POLYWHALE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "POLYWHALE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "POLYWHALE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "POLYWHALE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYWHALE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYWHALE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYWHALE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYWHALE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYWHALE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POLYWHALE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYWHALE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYWHALE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYWHALE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYWHALE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYWHALE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYWHALE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYWHALE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POLYWHALE_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYWHALE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYWHALE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYWHALE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYWHALE_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYWHALE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYWHALE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYWHALE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYWHALE_NOTIFY_EVENTS")

	// ── Portfolio / risk ──
	setFloat64(&cfg.Portfolio.InitialCapital, "POLYWHALE_PORTFOLIO_INITIAL_CAPITAL")
	setFloat64(&cfg.Risk.KellyFraction, "POLYWHALE_RISK_KELLY_FRACTION")
	setFloat64(&cfg.Risk.DailyLossLimit, "POLYWHALE_RISK_DAILY_LOSS_LIMIT")
	setFloat64(&cfg.Risk.WeeklyLossLimit, "POLYWHALE_RISK_WEEKLY_LOSS_LIMIT")
	setFloat64(&cfg.Risk.StopLoss, "POLYWHALE_RISK_STOP_LOSS")

	// ── Strategies ──
	setFloat64(&cfg.Whale.MinTradeUSD, "POLYWHALE_WHALE_MIN_TRADE_USD")
	setStr(&cfg.Whale.RescoreSchedule, "POLYWHALE_WHALE_RESCORE_SCHEDULE")
	setBool(&cfg.Signal.Enabled, "POLYWHALE_SIGNAL_ENABLED")
	setDuration(&cfg.Signal.CopyDelay, "POLYWHALE_SIGNAL_COPY_DELAY")
	setBool(&cfg.NearCertain.Enabled, "POLYWHALE_NEAR_CERTAIN_ENABLED")
	setDuration(&cfg.NearCertain.Horizon, "POLYWHALE_NEAR_CERTAIN_HORIZON")

	// ── Orchestrator / execution ──
	setStr(&cfg.Orchestrator.CycleSchedule, "POLYWHALE_ORCHESTRATOR_CYCLE_SCHEDULE")
	setInt(&cfg.Orchestrator.FailureThreshold, "POLYWHALE_ORCHESTRATOR_FAILURE_THRESHOLD")
	setDuration(&cfg.Execution.Timeout, "POLYWHALE_EXECUTION_TIMEOUT")
	setInt(&cfg.Execution.MaxRetries, "POLYWHALE_EXECUTION_MAX_RETRIES")
	setFloat64(&cfg.Execution.PaperSlippage, "POLYWHALE_EXECUTION_PAPER_SLIPPAGE")

	// ── Discovery / archive ──
	setBool(&cfg.Discovery.Enabled, "POLYWHALE_DISCOVERY_ENABLED")
	setStr(&cfg.Discovery.Source, "POLYWHALE_DISCOVERY_SOURCE")
	setDuration(&cfg.Discovery.Interval, "POLYWHALE_DISCOVERY_INTERVAL")
	setInt(&cfg.Discovery.BatchSize, "POLYWHALE_DISCOVERY_BATCH_SIZE")
	setStr(&cfg.Discovery.TapePrefix, "POLYWHALE_DISCOVERY_TAPE_PREFIX")
	setBool(&cfg.Archive.Enabled, "POLYWHALE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "POLYWHALE_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "POLYWHALE_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYWHALE_MODE")
	setStr(&cfg.LogLevel, "POLYWHALE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
