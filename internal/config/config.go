// Package config defines the top-level configuration for polywhale and
// provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYWHALE_* environment variables.
type Config struct {
	Polymarket   PolymarketConfig   `toml:"polymarket"`
	Goldsky      GoldskyConfig      `toml:"goldsky"`
	Supabase     SupabaseConfig     `toml:"supabase"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Portfolio    PortfolioConfig    `toml:"portfolio"`
	Risk         RiskConfig         `toml:"risk"`
	Whale        WhaleConfig        `toml:"whale"`
	Signal       SignalConfig       `toml:"signal"`
	NearCertain  NearCertainConfig  `toml:"near_certain"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Execution    ExecutionConfig    `toml:"execution"`
	Discovery    DiscoveryConfig    `toml:"discovery"`
	Archive      ArchiveConfig      `toml:"archive"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints and client limits.
type PolymarketConfig struct {
	GammaHost  string  `toml:"gamma_host"`
	DataHost   string  `toml:"data_host"`
	WsHost     string  `toml:"ws_host"`
	RatePerSec float64 `toml:"rate_per_sec"`
	// MinNotional filters the Data API trade feed by cash amount.
	MinNotional float64 `toml:"min_notional"`
	// MaxPriceAge bounds how old a cached live price may be before the
	// Gamma price is used instead.
	MaxPriceAge      duration `toml:"max_price_age"`
	SnapshotTTL      duration `toml:"snapshot_ttl"`
	ResubscribeEvery duration `toml:"resubscribe_every"`
}

// GoldskyConfig holds the order-fill subgraph endpoint.
type GoldskyConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// SupabaseConfig holds Postgres connection parameters.
type SupabaseConfig struct {
	// DSN is a full postgres:// URL; when set it overrides the fields below.
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection and stream parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// EventStream is the durable stream the reporter appends to.
	EventStream  string `toml:"event_stream"`
	EventChannel string `toml:"event_channel"`
}

// S3Config holds object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ServerConfig holds admin HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RatePerSec  float64  `toml:"rate_per_sec"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// PortfolioConfig holds the starting capital used when no snapshot exists.
type PortfolioConfig struct {
	InitialCapital float64 `toml:"initial_capital"`
}

// RiskConfig holds sizing and loss limits. Fractions are of equity.
type RiskConfig struct {
	KellyFraction      float64            `toml:"kelly_fraction"`
	WhaleCopyCap       float64            `toml:"whale_copy_cap"`
	MaxMarketFraction  float64            `toml:"max_market_fraction"`
	DailyLossLimit     float64            `toml:"daily_loss_limit"`
	WeeklyLossLimit    float64            `toml:"weekly_loss_limit"`
	MaxCostFraction    float64            `toml:"max_cost_fraction"`
	MinPositionSize    float64            `toml:"min_position_size"`
	MinDistinctMarkets int                `toml:"min_distinct_markets"`
	GasCostUSD         float64            `toml:"gas_cost_usd"`
	FeeBps             float64            `toml:"fee_bps"`
	PriceSlippage      float64            `toml:"price_slippage"`
	StrategyCaps       map[string]float64 `toml:"strategy_caps"`
	// StopLoss is the fraction of cost basis at which an open position is
	// cut. Zero disables it.
	StopLoss        float64  `toml:"stop_loss"`
	MonitorInterval duration `toml:"monitor_interval"`
}

// WhaleConfig holds the counterparty scoring constants.
type WhaleConfig struct {
	MinTradeUSD         float64      `toml:"min_trade_usd"`
	MinTrades           int          `toml:"min_trades"`
	WinRateCeiling      float64      `toml:"win_rate_ceiling"`
	ConsistencyWeeks    int          `toml:"consistency_weeks"`
	SmartMoneyThreshold float64      `toml:"smart_money_threshold"`
	NeutralThreshold    float64      `toml:"neutral_threshold"`
	CopyThreshold       float64      `toml:"copy_threshold"`
	SpecializationShare float64      `toml:"specialization_share"`
	RescoreSchedule     string       `toml:"rescore_schedule"`
	Weights             WeightConfig `toml:"weights"`
}

// WeightConfig holds the score component weights. They must sum to 1.
type WeightConfig struct {
	WinRate     float64 `toml:"win_rate"`
	Consistency float64 `toml:"consistency"`
	Timing      float64 `toml:"timing"`
	Selection   float64 `toml:"selection"`
	Risk        float64 `toml:"risk"`
}

func (w WeightConfig) sum() float64 {
	return w.WinRate + w.Consistency + w.Timing + w.Selection + w.Risk
}

// SignalConfig holds the copy-signal timing and drift tolerances.
type SignalConfig struct {
	Enabled           bool     `toml:"enabled"`
	CopyDelay         duration `toml:"copy_delay"`
	MaxWait           duration `toml:"max_wait"`
	SlippageTolerance float64  `toml:"slippage_tolerance"`
	StaleTolerance    float64  `toml:"stale_tolerance"`
	InboxSize         int      `toml:"inbox_size"`
	// Retention is how long terminal signals stay in memory and in Postgres
	// before they are archived.
	Retention duration `toml:"retention"`
}

// NearCertainConfig holds the near-certain band and black-swan weights.
type NearCertainConfig struct {
	Enabled           bool     `toml:"enabled"`
	MinPrice          float64  `toml:"min_price"`
	MaxPrice          float64  `toml:"max_price"`
	Horizon           duration `toml:"horizon"`
	SportsSurcharge   float64  `toml:"sports_surcharge"`
	VolumeSpikeWeight float64  `toml:"volume_spike_weight"`
	SentimentWeight   float64  `toml:"sentiment_weight"`
	VolumeSpikeRatio  float64  `toml:"volume_spike_ratio"`
	Cooldown          duration `toml:"cooldown"`
}

// OrchestratorConfig holds the decision-cycle schedule and fault handling.
type OrchestratorConfig struct {
	CycleSchedule            string   `toml:"cycle_schedule"`
	FailureThreshold         int      `toml:"failure_threshold"`
	DetectTimeout            duration `toml:"detect_timeout"`
	MaxCandidatesPerStrategy int      `toml:"max_candidates_per_strategy"`
	LockTTL                  duration `toml:"lock_ttl"`
}

// ExecutionConfig holds dispatch and paper-venue parameters.
type ExecutionConfig struct {
	Timeout        duration `toml:"timeout"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBackoff   duration `toml:"retry_backoff"`
	DedupTTL       duration `toml:"dedup_ttl"`
	PaperSlippage  float64  `toml:"paper_slippage"`
	PaperFillRatio float64  `toml:"paper_fill_ratio"`
}

// DiscoveryConfig holds trade-feed ingestion parameters.
type DiscoveryConfig struct {
	Enabled bool `toml:"enabled"`
	// Source is "data" for the Polymarket Data API or "goldsky" for
	// on-chain order fills.
	Source             string   `toml:"source"`
	Interval           duration `toml:"interval"`
	BatchSize          int      `toml:"batch_size"`
	MaxPages           int      `toml:"max_pages"`
	TapePrefix         string   `toml:"tape_prefix"`
	SettlementInterval duration `toml:"settlement_interval"`
}

// ArchiveConfig holds the archival job parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			GammaHost:        "https://gamma-api.polymarket.com",
			DataHost:         "https://data-api.polymarket.com",
			WsHost:           "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RatePerSec:       5,
			MinNotional:      1000,
			MaxPriceAge:      duration{2 * time.Minute},
			SnapshotTTL:      duration{5 * time.Minute},
			ResubscribeEvery: duration{time.Minute},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			KeyPrefix:   "polywhale:",
			EventStream: "events",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polywhale-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RatePerSec:  10,
			RateBurst:   20,
		},
		Notify: NotifyConfig{
			Events: []string{"execution_failed", "strategy_paused", "strategy_fault", "position_closed"},
		},
		Portfolio: PortfolioConfig{
			InitialCapital: 10000,
		},
		Risk: RiskConfig{
			KellyFraction:      0.25,
			WhaleCopyCap:       0.50,
			MaxMarketFraction:  0.10,
			DailyLossLimit:     0.05,
			WeeklyLossLimit:    0.10,
			MaxCostFraction:    0.10,
			MinPositionSize:    5,
			MinDistinctMarkets: 5,
			GasCostUSD:         0.5,
			PriceSlippage:      0.02,
			StrategyCaps: map[string]float64{
				"whale_replication": 0.50,
				"near_certain":      0.50,
			},
			StopLoss:        0.30,
			MonitorInterval: duration{time.Minute},
		},
		Whale: WhaleConfig{
			MinTradeUSD:         1000,
			MinTrades:           10,
			WinRateCeiling:      0.85,
			ConsistencyWeeks:    12,
			SmartMoneyThreshold: 0.75,
			NeutralThreshold:    0.50,
			CopyThreshold:       0.70,
			SpecializationShare: 0.60,
			RescoreSchedule:     "0 * * * *",
			Weights: WeightConfig{
				WinRate:     0.40,
				Consistency: 0.20,
				Timing:      0.15,
				Selection:   0.15,
				Risk:        0.10,
			},
		},
		Signal: SignalConfig{
			Enabled:           true,
			CopyDelay:         duration{5 * time.Minute},
			MaxWait:           duration{10 * time.Minute},
			SlippageTolerance: 0.02,
			StaleTolerance:    0.05,
			InboxSize:         256,
			Retention:         duration{24 * time.Hour},
		},
		NearCertain: NearCertainConfig{
			Enabled:           true,
			MinPrice:          0.95,
			MaxPrice:          0.99,
			Horizon:           duration{24 * time.Hour},
			SportsSurcharge:   0.2,
			VolumeSpikeWeight: 0.3,
			SentimentWeight:   0.3,
			VolumeSpikeRatio:  3,
			Cooldown:          duration{time.Hour},
		},
		Orchestrator: OrchestratorConfig{
			CycleSchedule:            "@every 30s",
			FailureThreshold:         3,
			DetectTimeout:            duration{20 * time.Second},
			MaxCandidatesPerStrategy: 50,
			LockTTL:                  duration{25 * time.Second},
		},
		Execution: ExecutionConfig{
			Timeout:        duration{10 * time.Second},
			MaxRetries:     1,
			RetryBackoff:   duration{500 * time.Millisecond},
			DedupTTL:       duration{30 * time.Minute},
			PaperSlippage:  0.005,
			PaperFillRatio: 1,
		},
		Discovery: DiscoveryConfig{
			Enabled:            true,
			Source:             "data",
			Interval:           duration{30 * time.Second},
			BatchSize:          500,
			MaxPages:           5,
			SettlementInterval: duration{10 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			Cron:          "0 3 * * *",
			RetentionDays: 30,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":     true,
	"trade":    true,
	"discover": true,
	"score":    true,
	"server":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error wrapping domain.ErrConfigInvalid that describes every
// problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, trade, discover, score, server)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Polymarket
	if c.Polymarket.GammaHost == "" {
		add("polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.RatePerSec <= 0 {
		add("polymarket: rate_per_sec must be > 0")
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			add("supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			add("supabase: port must be 1-65535, got %d", c.Supabase.Port)
		}
		if c.Supabase.Database == "" {
			add("supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		add("supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		add("supabase: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// S3 is only needed when something writes to it.
	if c.Archive.Enabled || c.Discovery.TapePrefix != "" {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RatePerSec < 0 || (c.Server.RatePerSec > 0 && c.Server.RateBurst < 1) {
			add("server: rate_burst must be >= 1 when rate_per_sec is set")
		}
	}

	// Portfolio and risk
	if c.Portfolio.InitialCapital <= 0 {
		add("portfolio: initial_capital must be > 0")
	}
	fractions := []struct {
		name string
		v    float64
	}{
		{"kelly_fraction", c.Risk.KellyFraction},
		{"whale_copy_cap", c.Risk.WhaleCopyCap},
		{"max_market_fraction", c.Risk.MaxMarketFraction},
		{"daily_loss_limit", c.Risk.DailyLossLimit},
		{"weekly_loss_limit", c.Risk.WeeklyLossLimit},
		{"max_cost_fraction", c.Risk.MaxCostFraction},
	}
	for _, f := range fractions {
		if f.v <= 0 || f.v > 1 {
			add("risk: %s must be in (0, 1], got %g", f.name, f.v)
		}
	}
	if c.Risk.DailyLossLimit > c.Risk.WeeklyLossLimit {
		add("risk: daily_loss_limit must not exceed weekly_loss_limit")
	}
	if c.Risk.MinPositionSize < 0 || c.Risk.GasCostUSD < 0 || c.Risk.FeeBps < 0 {
		add("risk: min_position_size, gas_cost_usd and fee_bps must be >= 0")
	}
	if c.Risk.StopLoss < 0 || c.Risk.StopLoss >= 1 {
		add("risk: stop_loss must be in [0, 1)")
	}
	for name, v := range c.Risk.StrategyCaps {
		if v <= 0 || v > 1 {
			add("risk: strategy_caps.%s must be in (0, 1], got %g", name, v)
		}
	}

	// Whale scoring
	if c.Whale.MinTrades < 1 {
		add("whale: min_trades must be >= 1")
	}
	if c.Whale.MinTradeUSD <= 0 {
		add("whale: min_trade_usd must be > 0")
	}
	if c.Whale.WinRateCeiling <= 0 || c.Whale.WinRateCeiling > 1 {
		add("whale: win_rate_ceiling must be in (0, 1]")
	}
	if !(c.Whale.NeutralThreshold < c.Whale.SmartMoneyThreshold) {
		add("whale: neutral_threshold must be below smart_money_threshold")
	}
	if c.Whale.CopyThreshold <= 0 || c.Whale.CopyThreshold > 1 {
		add("whale: copy_threshold must be in (0, 1]")
	}
	if math.Abs(c.Whale.Weights.sum()-1) > 1e-6 {
		add("whale: weights must sum to 1, got %g", c.Whale.Weights.sum())
	}
	checkSchedule(&errs, "whale.rescore_schedule", c.Whale.RescoreSchedule, false)

	// Signals
	if c.Signal.SlippageTolerance <= 0 || c.Signal.StaleTolerance <= c.Signal.SlippageTolerance {
		add("signal: need 0 < slippage_tolerance < stale_tolerance")
	}
	if c.Signal.CopyDelay.Duration < 0 || c.Signal.MaxWait.Duration <= 0 {
		add("signal: copy_delay must be >= 0 and max_wait > 0")
	}

	// Near-certain
	if c.NearCertain.Enabled {
		nc := c.NearCertain
		if !(nc.MinPrice > 0.5 && nc.MinPrice < nc.MaxPrice && nc.MaxPrice < 1) {
			add("near_certain: need 0.5 < min_price < max_price < 1")
		}
		if nc.Horizon.Duration <= 0 {
			add("near_certain: horizon must be > 0")
		}
		if nc.VolumeSpikeRatio <= 1 {
			add("near_certain: volume_spike_ratio must be > 1")
		}
	}

	// Orchestrator
	checkSchedule(&errs, "orchestrator.cycle_schedule", c.Orchestrator.CycleSchedule, true)
	if c.Orchestrator.FailureThreshold < 1 {
		add("orchestrator: failure_threshold must be >= 1")
	}
	if c.Orchestrator.DetectTimeout.Duration <= 0 {
		add("orchestrator: detect_timeout must be > 0")
	}

	// Execution
	if c.Execution.Timeout.Duration <= 0 {
		add("execution: timeout must be > 0")
	}
	if c.Execution.MaxRetries < 0 {
		add("execution: max_retries must be >= 0")
	}
	if c.Execution.PaperFillRatio <= 0 || c.Execution.PaperFillRatio > 1 {
		add("execution: paper_fill_ratio must be in (0, 1]")
	}

	// Discovery
	if c.Discovery.Enabled {
		switch c.Discovery.Source {
		case "data":
			if c.Polymarket.DataHost == "" {
				add("polymarket: data_host must not be empty for discovery.source = data")
			}
		case "goldsky":
			if c.Goldsky.URL == "" {
				add("goldsky: url must be set for discovery.source = goldsky")
			}
		default:
			add("discovery: unknown source %q (valid: data, goldsky)", c.Discovery.Source)
		}
		if c.Discovery.BatchSize < 1 {
			add("discovery: batch_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		checkSchedule(&errs, "archive.cron", c.Archive.Cron, true)
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", domain.ErrConfigInvalid, strings.Join(errs, "\n  - "))
	}
	return nil
}

// checkSchedule validates a cron expression. An empty schedule is accepted
// unless required.
func checkSchedule(errs *[]string, name, spec string, required bool) {
	if spec == "" {
		if required {
			*errs = append(*errs, name+" must not be empty")
		}
		return
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
	}
}
