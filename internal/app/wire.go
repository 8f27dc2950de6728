package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polywhale/internal/blob/s3"
	"github.com/alanyoungcy/polywhale/internal/cache/redis"
	"github.com/alanyoungcy/polywhale/internal/config"
	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/notify"
	"github.com/alanyoungcy/polywhale/internal/server/handler"
	"github.com/alanyoungcy/polywhale/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	WhaleStore     domain.WhaleStore
	LedgerStore    domain.LedgerStore
	SignalStore    domain.SignalStore
	PositionStore  domain.PositionStore
	PortfolioStore domain.PortfolioStore
	AuditStore     domain.AuditStore
	StrategyStore  domain.StrategyStateStore
	KVStore        domain.KVStore

	// Caches
	PriceCache    domain.PriceCache
	SnapshotCache domain.SnapshotCache
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage; nil when the mode writes nothing to S3.
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks are pinged by GET /api/health.
	HealthChecks map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// needsS3 returns true when the mode writes archives or trade tapes.
func needsS3(cfg *config.Config) bool {
	switch cfg.Mode {
	case "full":
		return cfg.Archive.Enabled || cfg.Discovery.TapePrefix != ""
	case "discover":
		return cfg.Discovery.TapePrefix != ""
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.HealthChecks["postgres"] = pgClient

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.WhaleStore = postgres.NewWhaleStore(pool)
	deps.LedgerStore = postgres.NewLedgerStore(pool)
	deps.SignalStore = postgres.NewSignalStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.PortfolioStore = postgres.NewPortfolioStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.StrategyStore = postgres.NewStrategyStateStore(pool)
	deps.KVStore = postgres.NewKVStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.HealthChecks["redis"] = redisClient

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SnapshotCache = redis.NewSnapshotCache(redisClient, cfg.Polymarket.SnapshotTTL.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only for modes that need object storage) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.HealthChecks["s3"] = pingFunc(s3Client.Health)

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.Archiver = s3blob.NewArchiver(writer, deps.PositionStore, deps.SignalStore, deps.AuditStore, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
