package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polywhale/internal/config"
	"github.com/alanyoungcy/polywhale/internal/detector"
	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/executor"
	"github.com/alanyoungcy/polywhale/internal/feed"
	"github.com/alanyoungcy/polywhale/internal/pipeline"
	"github.com/alanyoungcy/polywhale/internal/platform/goldsky"
	"github.com/alanyoungcy/polywhale/internal/platform/polymarket"
	"github.com/alanyoungcy/polywhale/internal/report"
	"github.com/alanyoungcy/polywhale/internal/risk"
	"github.com/alanyoungcy/polywhale/internal/server"
	"github.com/alanyoungcy/polywhale/internal/server/handler"
	"github.com/alanyoungcy/polywhale/internal/service"
	"github.com/alanyoungcy/polywhale/internal/signal"
	"github.com/alanyoungcy/polywhale/internal/strategy"
	"github.com/alanyoungcy/polywhale/internal/whale"
)

// cycleLockKey guarantees a single decision-maker across processes.
const cycleLockKey = "cycle"

// components are the domain services shared by every mode. Building them
// restores persisted state: the whale book, live signals, the portfolio and
// strategy lifecycle.
type components struct {
	reporter    *report.Reporter
	market      *feed.MarketData
	spikes      *feed.VolumeSpikes
	book        *whale.Book
	generator   *signal.Generator
	riskMgr     *risk.Manager
	registry    *strategy.Registry
	whaleFollow *strategy.WhaleFollowStrategy
	executor    *executor.Executor
	positions   *service.PositionService
	orch        *strategy.Orchestrator
}

func (a *App) build(ctx context.Context, deps *Dependencies) (*components, error) {
	cfg := a.cfg
	logger := a.logger
	c := &components{}

	c.reporter = report.New(report.Config{
		Stream:  cfg.Redis.EventStream,
		Channel: cfg.Redis.EventChannel,
	}, deps.SignalBus, deps.AuditStore, deps.Notifier, logger)

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Polymarket.RatePerSec, logger)
	c.market = feed.NewMarketData(gamma, deps.PriceCache, deps.SnapshotCache, cfg.Polymarket.MaxPriceAge.Duration, logger)
	c.spikes = feed.NewVolumeSpikes(cfg.NearCertain.VolumeSpikeRatio)

	w := cfg.Whale
	scorer := whale.NewScorer(whale.ScorerConfig{
		MinTrades:           w.MinTrades,
		WinRateCeiling:      w.WinRateCeiling,
		ConsistencyWeeks:    w.ConsistencyWeeks,
		SmartMoneyThreshold: w.SmartMoneyThreshold,
		NeutralThreshold:    w.NeutralThreshold,
		CopyThreshold:       w.CopyThreshold,
		SpecializationShare: w.SpecializationShare,
		Weights: whale.Weights{
			WinRate:     w.Weights.WinRate,
			Consistency: w.Weights.Consistency,
			Timing:      w.Weights.Timing,
			Selection:   w.Weights.Selection,
			Risk:        w.Weights.Risk,
		},
	})
	c.book = whale.NewBook(scorer, whale.BookConfig{MinTradeUSD: decimal.NewFromFloat(w.MinTradeUSD)},
		deps.WhaleStore, deps.LedgerStore, c.reporter, logger)
	if err := c.book.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load whale book: %w", err)
	}

	c.generator = signal.NewGenerator(signal.Config{
		CopyDelay:         cfg.Signal.CopyDelay.Duration,
		MaxWait:           cfg.Signal.MaxWait.Duration,
		SlippageTolerance: cfg.Signal.SlippageTolerance,
		StaleTolerance:    cfg.Signal.StaleTolerance,
	}, deps.SignalStore, logger)
	if err := c.generator.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load signals: %w", err)
	}

	portfolio, err := service.RestorePortfolio(ctx, deps.PortfolioStore, deps.PositionStore,
		decimal.NewFromFloat(cfg.Portfolio.InitialCapital))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	c.riskMgr = risk.NewManager(riskConfig(cfg.Risk), portfolio, logger)

	c.registry = strategy.NewRegistry(cfg.Orchestrator.FailureThreshold, deps.StrategyStore, logger)
	c.whaleFollow = strategy.NewWhaleFollowStrategy(c.generator,
		func() signal.WhaleLookup { return c.book.Snapshot() },
		c.market, cfg.Signal.InboxSize, logger)
	c.registry.Register(c.whaleFollow, cfg.Signal.Enabled)

	nc := cfg.NearCertain
	nearCertain := strategy.NewNearCertainStrategy(detector.NearCertainConfig{
		MinPrice:          nc.MinPrice,
		MaxPrice:          nc.MaxPrice,
		Horizon:           nc.Horizon.Duration,
		SportsSurcharge:   nc.SportsSurcharge,
		VolumeSpikeWeight: nc.VolumeSpikeWeight,
		SentimentWeight:   nc.SentimentWeight,
	}, c.market, c.spikes, nc.Cooldown.Duration, logger)
	c.registry.Register(nearCertain, nc.Enabled)

	if err := c.registry.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore strategy state: %w", err)
	}

	venue := executor.NewPaperVenue(c.market, cfg.Execution.PaperSlippage, cfg.Execution.PaperFillRatio)
	c.executor = executor.NewExecutor(venue, executor.Config{
		Timeout:      cfg.Execution.Timeout.Duration,
		MaxRetries:   cfg.Execution.MaxRetries,
		RetryBackoff: cfg.Execution.RetryBackoff.Duration,
		DedupTTL:     cfg.Execution.DedupTTL.Duration,
	}, logger)

	c.positions = service.NewPositionService(c.riskMgr, c.market, deps.PositionStore, deps.PortfolioStore,
		deps.AuditStore, c.book, c.spikes, c.reporter, service.PositionConfig{
			Interval: cfg.Risk.MonitorInterval.Duration,
			StopLoss: cfg.Risk.StopLoss,
		}, logger)

	c.orch = strategy.NewOrchestrator(c.registry, c.riskMgr, c.executor, c.positions, c.reporter,
		strategy.OrchestratorConfig{
			MaxCandidatesPerStrategy: cfg.Orchestrator.MaxCandidatesPerStrategy,
			DetectTimeout:            cfg.Orchestrator.DetectTimeout.Duration,
		}, logger)

	return c, nil
}

func riskConfig(rc config.RiskConfig) risk.Config {
	caps := make(map[string]float64, len(rc.StrategyCaps))
	for k, v := range rc.StrategyCaps {
		caps[k] = v
	}
	return risk.Config{
		KellyFraction:      rc.KellyFraction,
		WhaleCopyCap:       rc.WhaleCopyCap,
		MaxMarketFraction:  rc.MaxMarketFraction,
		DailyLossLimit:     rc.DailyLossLimit,
		WeeklyLossLimit:    rc.WeeklyLossLimit,
		MaxCostFraction:    rc.MaxCostFraction,
		MinPositionSize:    decimal.NewFromFloat(rc.MinPositionSize),
		MinDistinctMarkets: rc.MinDistinctMarkets,
		GasCostUSD:         decimal.NewFromFloat(rc.GasCostUSD),
		FeeBps:             rc.FeeBps,
		PriceSlippage:      rc.PriceSlippage,
		StrategyCaps:       caps,
	}
}

// FullMode runs discovery, the decision cycle, position monitoring, the
// rescore and archive jobs, and the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, runPlan{
		trade:    true,
		discover: true,
		rescore:  true,
		archive:  a.cfg.Archive.Enabled && deps.Archiver != nil,
		server:   a.cfg.Server.Enabled,
	})
}

// TradeMode runs the decision cycle fed by discovery, plus position
// monitoring. Rescoring and archival are left to other processes.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.run(ctx, deps, runPlan{
		trade:    true,
		discover: true,
		server:   a.cfg.Server.Enabled,
	})
}

// DiscoverMode ingests the trade feed, settles resolved markets into the
// whale ledger and rescores on schedule. No capital is touched.
func (a *App) DiscoverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting discover mode")
	return a.run(ctx, deps, runPlan{
		discover: true,
		rescore:  true,
	})
}

// ServerMode serves the admin API over persisted state. Strategy lifecycle
// changes are persisted for the trading process to pick up on restart.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.run(ctx, deps, runPlan{server: true})
}

// ScoreMode rescores every known counterparty once and logs the tracked
// whales, best first.
func (a *App) ScoreMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting score mode")
	c, err := a.build(ctx, deps)
	if err != nil {
		return err
	}
	n, err := c.book.RescoreAll(ctx)
	if err != nil {
		return fmt.Errorf("score mode: %w", err)
	}

	tracked := c.book.Snapshot().List(true)
	sort.Slice(tracked, func(i, j int) bool {
		return score(tracked[i]) > score(tracked[j])
	})
	for _, w := range tracked {
		a.logger.InfoContext(ctx, "tracked whale",
			slog.String("address", w.Address),
			slog.Float64("score", score(w)),
			slog.String("classification", string(w.Classification)),
			slog.Float64("win_rate", w.WinRate()),
			slog.Int("trades", w.TradeCount),
			slog.String("specialization", w.Specialization),
		)
	}
	a.logger.InfoContext(ctx, "rescore complete",
		slog.Int("scored", n),
		slog.Int("tracked", len(tracked)),
		slog.Int("known", c.book.Snapshot().Len()),
	)
	if deps.AuditStore != nil {
		if err := deps.AuditStore.Log(ctx, "whales_rescored", map[string]any{
			"scored":  n,
			"tracked": len(tracked),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func score(w domain.Whale) float64 {
	if w.QualityScore == nil {
		return 0
	}
	return *w.QualityScore
}

// runPlan selects the subsystems a long-running mode starts.
type runPlan struct {
	trade    bool
	discover bool
	rescore  bool
	archive  bool
	server   bool
}

func (a *App) run(ctx context.Context, deps *Dependencies, plan runPlan) error {
	c, err := a.build(ctx, deps)
	if err != nil {
		return err
	}
	cfg := a.cfg

	g, ctx := errgroup.WithContext(ctx)
	sched := newScheduler(a.logger)

	g.Go(func() error { return c.reporter.Run(ctx) })

	if plan.trade {
		stream := feed.NewPriceStream(cfg.Polymarket.WsHost, c.market, deps.PriceCache,
			cfg.Polymarket.ResubscribeEvery.Duration, a.logger)
		g.Go(func() error { return stream.Run(ctx) })
	}

	if plan.discover && cfg.Discovery.Enabled {
		// Only a trading process forwards observations to the whale-follow
		// strategy; its inbox lives in this process.
		var observer pipeline.Observer
		if plan.trade {
			observer = c.whaleFollow
		}
		discovery := pipeline.NewDiscovery(a.tradeFeed(c.market), c.book,
			func() signal.WhaleLookup { return c.book.Snapshot() },
			observer, deps.KVStore, deps.BlobWriter, pipeline.DiscoveryConfig{
				Interval:   cfg.Discovery.Interval.Duration,
				BatchSize:  cfg.Discovery.BatchSize,
				TapePrefix: cfg.Discovery.TapePrefix,
			}, a.logger)
		g.Go(func() error { return discovery.Run(ctx) })

		settlement := pipeline.NewSettlement(c.book, c.market, c.spikes.Forget, a.logger)
		if err := sched.add(ctx, "settlement", every(cfg.Discovery.SettlementInterval.Duration), func(ctx context.Context) {
			if _, err := settlement.Sweep(ctx); err != nil {
				a.logger.WarnContext(ctx, "settlement sweep failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return err
		}
	}

	if plan.trade {
		g.Go(func() error { return c.executor.Run(ctx) })
		g.Go(func() error { return c.positions.Run(ctx) })
		if err := sched.add(ctx, "cycle", cfg.Orchestrator.CycleSchedule, func(ctx context.Context) {
			a.runCycle(ctx, deps, c)
		}); err != nil {
			return err
		}
	}

	if plan.rescore {
		if err := sched.add(ctx, "rescore", cfg.Whale.RescoreSchedule, func(ctx context.Context) {
			n, err := c.book.RescoreAll(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "rescore failed", slog.String("error", err.Error()))
				return
			}
			a.logger.InfoContext(ctx, "whales rescored", slog.Int("scored", n))
		}); err != nil {
			return err
		}
	}

	if plan.archive {
		if err := sched.add(ctx, "archive", cfg.Archive.Cron, func(ctx context.Context) {
			a.archive(ctx, deps, c)
		}); err != nil {
			return err
		}
	}

	if plan.server {
		srv := a.newServer(deps, c, plan.trade)
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error { return sched.run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runCycle runs one decision cycle while holding the cycle lock. A lock
// held by another process skips the tick.
func (a *App) runCycle(ctx context.Context, deps *Dependencies, c *components) {
	unlock, err := deps.LockManager.Acquire(ctx, cycleLockKey, a.cfg.Orchestrator.LockTTL.Duration)
	if errors.Is(err, domain.ErrLockHeld) {
		a.logger.DebugContext(ctx, "cycle lock held elsewhere, skipping tick")
		return
	}
	if err != nil {
		a.logger.WarnContext(ctx, "cycle lock unavailable, skipping tick", slog.String("error", err.Error()))
		return
	}
	defer unlock()

	if _, err := c.orch.RunCycle(ctx); err != nil {
		a.logger.ErrorContext(ctx, "decision cycle failed", slog.String("error", err.Error()))
	}
}

// archive moves rows older than the retention window to S3 and prunes
// terminal signals from memory.
func (a *App) archive(ctx context.Context, deps *Dependencies, c *components) {
	now := time.Now().UTC()
	before := now.AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	log := a.logger.With(slog.Time("before", before))

	jobs := []struct {
		kind string
		fn   func(context.Context, time.Time) (int64, error)
	}{
		{"positions", deps.Archiver.ArchivePositions},
		{"signals", deps.Archiver.ArchiveSignals},
		{"audit", deps.Archiver.ArchiveAudit},
	}
	for _, j := range jobs {
		n, err := j.fn(ctx, before)
		if err != nil {
			log.ErrorContext(ctx, "archive failed", slog.String("kind", j.kind), slog.String("error", err.Error()))
			continue
		}
		log.InfoContext(ctx, "archived", slog.String("kind", j.kind), slog.Int64("rows", n))
	}

	pruned := c.generator.Prune(now.Add(-a.cfg.Signal.Retention.Duration))
	log.InfoContext(ctx, "terminal signals pruned", slog.Int("signals", pruned))
}

func (a *App) tradeFeed(market *feed.MarketData) domain.TradeFeed {
	if a.cfg.Discovery.Source == "goldsky" {
		return goldsky.NewClient(a.cfg.Goldsky.URL, a.cfg.Goldsky.APIKey, market, a.logger)
	}
	return polymarket.NewDataClient(polymarket.DataConfig{
		BaseURL:     a.cfg.Polymarket.DataHost,
		RatePerSec:  a.cfg.Polymarket.RatePerSec,
		MinNotional: a.cfg.Polymarket.MinNotional,
		MaxPages:    a.cfg.Discovery.MaxPages,
	}, a.logger)
}

// newServer builds the admin API. Manual closes are only offered by the
// process that owns the portfolio.
func (a *App) newServer(deps *Dependencies, c *components, trading bool) *server.Server {
	var closer handler.PositionCloser
	if trading {
		closer = c.positions
	}
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, c.riskMgr.Portfolio(), c.generator,
			func() int { return c.book.Snapshot().Len() }),
		Strategies: handler.NewStrategyHandler(c.registry, a.logger),
		Positions:  handler.NewPositionHandler(c.riskMgr.Portfolio(), deps.PositionStore, closer, a.logger),
		Signals:    handler.NewSignalHandler(c.generator, deps.SignalStore, a.logger),
		Whales:     handler.NewWhaleHandler(c.book, a.logger),
	}
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RatePerSec:  a.cfg.Server.RatePerSec,
		RateBurst:   a.cfg.Server.RateBurst,
	}, handlers, a.logger)
}

func every(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return "@every " + d.String()
}
