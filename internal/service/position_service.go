// Package service holds the long-running services that sit between the
// decision cycle and persistence.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/risk"
)

// MarketSource supplies resolution status and prices for open positions.
type MarketSource interface {
	// Refresh reads the market bypassing any cache.
	Refresh(ctx context.Context, marketID string) (domain.MarketSnapshot, error)
	Price(ctx context.Context, marketID string, side domain.Outcome) (float64, error)
}

// Settler closes ledger entries of resolved markets.
type Settler interface {
	Settle(ctx context.Context, marketID string, winner domain.Outcome, at time.Time) (int, error)
}

// MarketForgetter drops per-market state once a market is settled.
type MarketForgetter interface {
	Forget(marketID string)
}

// PositionConfig tunes the monitor.
type PositionConfig struct {
	Interval time.Duration
	// StopLoss is the fraction of cost basis at which a position is cut.
	// Zero disables the stop.
	StopLoss float64
}

// MonitorResult summarises one monitor pass.
type MonitorResult struct {
	Marked     int
	Settled    int
	StoppedOut int
	Failed     int
}

// PositionService records new positions and keeps open ones marked to
// market. Every capital change goes through the risk manager; this service
// only persists what the manager decided.
type PositionService struct {
	risk       *risk.Manager
	markets    MarketSource
	positions  domain.PositionStore
	portfolios domain.PortfolioStore
	audit      domain.AuditStore
	settler    Settler
	forget     MarketForgetter
	reporter   domain.Reporter
	cfg        PositionConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewPositionService creates a PositionService. Every collaborator except
// riskMgr and markets may be nil.
func NewPositionService(
	riskMgr *risk.Manager,
	markets MarketSource,
	positions domain.PositionStore,
	portfolios domain.PortfolioStore,
	audit domain.AuditStore,
	settler Settler,
	forget MarketForgetter,
	reporter domain.Reporter,
	cfg PositionConfig,
	logger *slog.Logger,
) *PositionService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &PositionService{
		risk:       riskMgr,
		markets:    markets,
		positions:  positions,
		portfolios: portfolios,
		audit:      audit,
		settler:    settler,
		forget:     forget,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "position_service")),
		now:        time.Now,
	}
}

// SetClock overrides the clock. Intended for tests.
func (s *PositionService) SetClock(now func() time.Time) { s.now = now }

// RestorePortfolio rebuilds the portfolio from the latest snapshot and the
// open positions. Without a snapshot the portfolio starts with initial cash.
func RestorePortfolio(ctx context.Context, portfolios domain.PortfolioStore, positions domain.PositionStore, initial decimal.Decimal) (*risk.Portfolio, error) {
	if portfolios == nil || positions == nil {
		return risk.NewPortfolio(initial), nil
	}
	snap, err := portfolios.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return risk.NewPortfolio(initial), nil
	}
	if err != nil {
		return nil, fmt.Errorf("position_service: latest portfolio: %w", err)
	}
	open, err := positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: open positions: %w", err)
	}
	p := risk.Restore(snap, open)
	if err := p.CheckInvariant(); err != nil {
		return nil, fmt.Errorf("position_service: restored portfolio: %w", err)
	}
	return p, nil
}

// Open persists a position the risk manager just confirmed.
func (s *PositionService) Open(ctx context.Context, pos domain.Position) error {
	if s.positions != nil {
		if err := s.positions.Create(ctx, pos); err != nil {
			return fmt.Errorf("position_service: create position: %w", err)
		}
	}
	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id":  pos.ID,
		"market":       pos.MarketID,
		"side":         string(pos.Side),
		"entry_price":  pos.EntryPrice,
		"size":         pos.Size.StringFixed(2),
		"strategy":     pos.Strategy,
		"counterparty": pos.Counterparty,
	})
	s.saveSnapshot(ctx)

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("market", pos.MarketID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.String("size", pos.Size.StringFixed(2)),
	)
	return nil
}

// Close closes an open position at its current market price.
func (s *PositionService) Close(ctx context.Context, positionID string) (domain.Position, error) {
	var target *domain.Position
	for _, pos := range s.risk.Portfolio().Positions() {
		if pos.ID == positionID {
			target = &pos
			break
		}
	}
	if target == nil {
		return domain.Position{}, fmt.Errorf("position_service: close %s: %w", positionID, domain.ErrNotFound)
	}
	price, err := s.markets.Price(ctx, target.MarketID, target.Side)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: price %s: %w", target.MarketID, err)
	}
	closed, err := s.close(ctx, *target, price, domain.CloseManual)
	if err != nil {
		return domain.Position{}, err
	}
	s.saveSnapshot(ctx)
	return closed, nil
}

// Monitor runs one pass over the open positions: settled markets close at
// 1.0 or 0.0, the rest are marked to market and cut when the stop-loss is
// breached. Failures on one market do not stop the pass.
func (s *PositionService) Monitor(ctx context.Context) MonitorResult {
	var res MonitorResult
	open := s.risk.Portfolio().Positions()
	if len(open) == 0 {
		return res
	}

	byMarket := make(map[string][]domain.Position)
	for _, pos := range open {
		byMarket[pos.MarketID] = append(byMarket[pos.MarketID], pos)
	}
	markets := make([]string, 0, len(byMarket))
	for id := range byMarket {
		markets = append(markets, id)
	}
	sort.Strings(markets)

	for _, marketID := range markets {
		snap, err := s.markets.Refresh(ctx, marketID)
		if err != nil {
			res.Failed += len(byMarket[marketID])
			s.logger.WarnContext(ctx, "market refresh failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if snap.Resolved && snap.Winner.Valid() {
			res.Settled += s.settle(ctx, snap, byMarket[marketID], &res)
			continue
		}
		for _, pos := range byMarket[marketID] {
			s.mark(ctx, pos, &res)
		}
	}

	s.saveSnapshot(ctx)
	if res.Settled > 0 || res.StoppedOut > 0 || res.Failed > 0 {
		s.logger.InfoContext(ctx, "positions monitored",
			slog.Int("marked", res.Marked),
			slog.Int("settled", res.Settled),
			slog.Int("stopped_out", res.StoppedOut),
			slog.Int("failed", res.Failed),
		)
	}
	return res
}

func (s *PositionService) settle(ctx context.Context, snap domain.MarketSnapshot, open []domain.Position, res *MonitorResult) int {
	at := s.now()
	n := 0
	for _, pos := range open {
		exit := 0.0
		if pos.Side == snap.Winner {
			exit = 1.0
		}
		if _, err := s.close(ctx, pos, exit, domain.CloseSettled); err != nil {
			res.Failed++
			continue
		}
		n++
	}
	if s.settler != nil {
		if _, err := s.settler.Settle(ctx, snap.MarketID, snap.Winner, at); err != nil {
			s.logger.WarnContext(ctx, "settling whale ledger failed",
				slog.String("market", snap.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.forget != nil {
		s.forget.Forget(snap.MarketID)
	}
	return n
}

func (s *PositionService) mark(ctx context.Context, pos domain.Position, res *MonitorResult) {
	price, err := s.markets.Price(ctx, pos.MarketID, pos.Side)
	if err != nil {
		res.Failed++
		s.logger.WarnContext(ctx, "position price unavailable",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	marked, err := s.risk.MarkToMarket(pos.ID, price)
	if err != nil {
		// Closed concurrently.
		return
	}
	res.Marked++

	if s.stopped(marked) {
		if _, err := s.close(ctx, marked, price, domain.CloseStopLoss); err != nil {
			res.Failed++
			return
		}
		res.StoppedOut++
		return
	}
	if s.positions != nil {
		if err := s.positions.Update(ctx, marked); err != nil {
			s.logger.WarnContext(ctx, "persisting mark failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// stopped reports whether the unrealised loss reached the stop-loss fraction
// of cost basis.
func (s *PositionService) stopped(pos domain.Position) bool {
	if s.cfg.StopLoss <= 0 || !pos.Size.IsPositive() {
		return false
	}
	limit := pos.Size.Mul(decimal.NewFromFloat(s.cfg.StopLoss)).Neg()
	return pos.UnrealizedPnL.LessThanOrEqual(limit)
}

func (s *PositionService) close(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) (domain.Position, error) {
	closed, err := s.risk.ClosePosition(pos.ID, price, reason, s.now())
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: close %s: %w", pos.ID, err)
	}
	if s.positions != nil {
		if err := s.positions.Update(ctx, closed); err != nil {
			s.logger.ErrorContext(ctx, "persisting closed position failed",
				slog.String("position_id", closed.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  closed.ID,
		"market":       closed.MarketID,
		"reason":       string(reason),
		"entry_price":  closed.EntryPrice,
		"exit_price":   price,
		"realized_pnl": closed.RealizedPnL.StringFixed(2),
		"strategy":     closed.Strategy,
	})
	if s.reporter != nil {
		s.reporter.Report(domain.ReportEvent{
			Kind:    domain.ReportPositionClosed,
			At:      s.now(),
			Message: fmt.Sprintf("%s position on %s %s closed (%s), pnl %s", closed.Strategy, closed.MarketID, closed.Side, reason, closed.RealizedPnL.StringFixed(2)),
			Detail: map[string]any{
				"position_id": closed.ID,
				"reason":      string(reason),
				"pnl":         closed.RealizedPnL.StringFixed(2),
			},
		})
	}
	return closed, nil
}

func (s *PositionService) saveSnapshot(ctx context.Context) {
	if s.portfolios == nil {
		return
	}
	if err := s.portfolios.Save(ctx, s.risk.Portfolio().Snapshot(s.now())); err != nil {
		s.logger.ErrorContext(ctx, "saving portfolio snapshot failed", slog.String("error", err.Error()))
	}
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Run monitors positions on the configured interval until ctx is cancelled.
func (s *PositionService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Monitor(ctx)
		}
	}
}
