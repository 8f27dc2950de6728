package risk

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the sizing factors and gate limits. Fractions are of current
// equity (initial capital plus realised P&L).
type Config struct {
	KellyFraction      float64
	WhaleCopyCap       float64
	MaxMarketFraction  float64
	DailyLossLimit     float64
	WeeklyLossLimit    float64
	MaxCostFraction    float64
	MinPositionSize    decimal.Decimal
	MinDistinctMarkets int
	GasCostUSD         decimal.Decimal
	FeeBps             float64
	PriceSlippage      float64
	// StrategyCaps are soft allocation caps per strategy. Unused allocation
	// of other strategies may be borrowed.
	StrategyCaps map[string]float64
}

// DefaultConfig returns the production risk limits.
func DefaultConfig() Config {
	return Config{
		KellyFraction:      0.25,
		WhaleCopyCap:       0.50,
		MaxMarketFraction:  0.10,
		DailyLossLimit:     0.05,
		WeeklyLossLimit:    0.10,
		MaxCostFraction:    0.10,
		MinPositionSize:    decimal.NewFromInt(5),
		MinDistinctMarkets: 5,
		GasCostUSD:         decimal.NewFromFloat(0.5),
		PriceSlippage:      0.02,
	}
}

// Manager sizes and validates opportunities against a Portfolio. A
// decision and the portfolio mutation it implies happen under one lock.
type Manager struct {
	cfg       Config
	portfolio *Portfolio
	logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, portfolio *Portfolio, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		portfolio: portfolio,
		logger:    logger.With(slog.String("component", "risk_manager")),
	}
}

// Portfolio returns the managed portfolio.
func (m *Manager) Portfolio() *Portfolio { return m.portfolio }

// SizeAndValidate sizes opp with fractional Kelly and runs every gate. On
// acceptance the capital is reserved before returning; a rejection leaves
// the portfolio untouched.
func (m *Manager) SizeAndValidate(opp domain.Opportunity, now time.Time) domain.Decision {
	p := m.portfolio
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked(now)

	d := m.evaluateLocked(opp)
	if !d.Accepted {
		m.logger.Debug("opportunity rejected",
			slog.String("opportunity_id", opp.ID),
			slog.String("strategy", opp.Strategy),
			slog.String("reason", string(d.Reason)),
			slog.String("detail", d.Detail),
		)
		return d
	}

	d.Trade.ReservationID = uuid.NewString()
	d.Trade.ReservedAt = now
	p.addExposureLocked(opp.MarketID, opp.Strategy, d.Trade.Size)
	p.reservations[d.Trade.ReservationID] = d.Trade
	m.logger.Info("opportunity accepted",
		slog.String("opportunity_id", opp.ID),
		slog.String("reservation_id", d.Trade.ReservationID),
		slog.String("strategy", opp.Strategy),
		slog.String("market", opp.MarketID),
		slog.String("size", d.Trade.Size.StringFixed(2)),
		slog.Float64("kelly", d.Trade.Kelly),
	)
	return d
}

func (m *Manager) evaluateLocked(opp domain.Opportunity) domain.Decision {
	p := m.portfolio
	cfg := m.cfg
	equity := p.equityLocked()

	kelly := Kelly(opp.Confidence)
	if kelly <= 0 {
		return domain.Reject(domain.RejectNoEdge, "confidence %.3f has no edge", opp.Confidence)
	}
	size := p.available.
		Mul(decimal.NewFromFloat(kelly).Round(6)).
		Mul(decimal.NewFromFloat(cfg.KellyFraction))

	if opp.IsWhaleCopy() && opp.CounterpartySize.IsPositive() {
		size = decimal.Min(size, opp.CounterpartySize.Mul(decimal.NewFromFloat(cfg.WhaleCopyCap)))
	}

	if capFrac, ok := cfg.StrategyCaps[opp.Strategy]; ok {
		headroom := m.strategyHeadroomLocked(opp.Strategy, capFrac, equity)
		if !headroom.IsPositive() {
			return domain.Reject(domain.RejectAllocation, "strategy %s has no allocation left", opp.Strategy)
		}
		size = decimal.Min(size, headroom)
	}

	// Size is capped at what the market can still take; only a market
	// with no usable room left rejects.
	maxMarket := equity.Mul(decimal.NewFromFloat(cfg.MaxMarketFraction))
	marketRoom := maxMarket.Sub(p.exposure[opp.MarketID])
	if marketRoom.LessThan(cfg.MinPositionSize) {
		return domain.Reject(domain.RejectMarketExposure, "market exposure %s leaves %s of %s",
			p.exposure[opp.MarketID].StringFixed(2), decimal.Max(marketRoom, decimal.Zero).StringFixed(2), maxMarket.StringFixed(2))
	}
	size = decimal.Min(size, marketRoom)

	size = m.diversifyLocked(opp.MarketID, size)
	size = size.Truncate(2)

	if size.LessThan(cfg.MinPositionSize) {
		return domain.Reject(domain.RejectMinSize, "size %s below minimum %s", size.StringFixed(2), cfg.MinPositionSize.StringFixed(2))
	}

	potentialLoss := size.Mul(decimal.NewFromFloat(1 - math.Min(opp.Confidence, 1)))
	dailyLimit := equity.Mul(decimal.NewFromFloat(cfg.DailyLossLimit))
	if breachesLoss(p.dailyLoss, potentialLoss, dailyLimit) {
		return domain.Reject(domain.RejectDailyLoss, "daily loss %s + potential %s exceeds %s",
			p.dailyLoss.StringFixed(2), potentialLoss.StringFixed(2), dailyLimit.StringFixed(2))
	}
	weeklyLimit := equity.Mul(decimal.NewFromFloat(cfg.WeeklyLossLimit))
	if breachesLoss(p.weeklyLoss, potentialLoss, weeklyLimit) {
		return domain.Reject(domain.RejectWeeklyLoss, "weekly loss %s + potential %s exceeds %s",
			p.weeklyLoss.StringFixed(2), potentialLoss.StringFixed(2), weeklyLimit.StringFixed(2))
	}

	cost := cfg.GasCostUSD.Add(size.Mul(decimal.NewFromFloat(cfg.FeeBps / 10000)))
	profit := size.Mul(decimal.NewFromFloat(opp.ExpectedReturn))
	if !profit.IsPositive() || cost.GreaterThan(profit.Mul(decimal.NewFromFloat(cfg.MaxCostFraction))) {
		return domain.Reject(domain.RejectCost, "cost %s vs expected profit %s", cost.StringFixed(2), profit.StringFixed(2))
	}

	return domain.Decision{
		Accepted: true,
		Trade: domain.SizedTrade{
			Opportunity:   opp,
			Size:          size,
			Kelly:         kelly,
			MaxPrice:      math.Min(opp.ReferencePrice*(1+cfg.PriceSlippage), 0.999),
			EstimatedCost: cost,
		},
	}
}

// breachesLoss reports whether recorded losses already hit the limit or
// would pass it with this trade's probability-weighted loss.
func breachesLoss(recorded, potential, limit decimal.Decimal) bool {
	return recorded.GreaterThanOrEqual(limit) || recorded.Add(potential).GreaterThan(limit)
}

// strategyHeadroomLocked is the strategy's own cap plus the idle share of
// every other capped strategy, minus what it already deployed.
func (m *Manager) strategyHeadroomLocked(strategy string, capFrac float64, equity decimal.Decimal) decimal.Decimal {
	p := m.portfolio
	limit := equity.Mul(decimal.NewFromFloat(capFrac))
	for other, frac := range m.cfg.StrategyCaps {
		if other == strategy {
			continue
		}
		idle := equity.Mul(decimal.NewFromFloat(frac)).Sub(p.byStrategy[other])
		if idle.IsPositive() {
			limit = limit.Add(idle)
		}
	}
	return limit.Sub(p.byStrategy[strategy])
}

// diversifyLocked biases sizing toward spreading capital while fewer than
// the target number of markets are held. It never shrinks a trade below
// the minimum position size.
func (m *Manager) diversifyLocked(market string, size decimal.Decimal) decimal.Decimal {
	p := m.portfolio
	open := len(p.exposure)
	if _, held := p.exposure[market]; held || open >= m.cfg.MinDistinctMarkets {
		return size
	}
	share := p.available.Div(decimal.NewFromInt(int64(m.cfg.MinDistinctMarkets - open)))
	if size.LessThanOrEqual(share) {
		return size
	}
	return decimal.Min(size, decimal.Max(share, m.cfg.MinPositionSize))
}

// Rollback releases a reservation whose execution failed.
func (m *Manager) Rollback(reservationID string) error {
	p := m.portfolio
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.reservations[reservationID]
	if !ok {
		return fmt.Errorf("risk: rollback %s: %w", reservationID, domain.ErrNotFound)
	}
	delete(p.reservations, reservationID)
	p.addExposureLocked(tr.Opportunity.MarketID, tr.Opportunity.Strategy, tr.Size.Neg())
	m.logger.Info("reservation rolled back",
		slog.String("reservation_id", reservationID),
		slog.String("size", tr.Size.StringFixed(2)),
	)
	return nil
}

// Confirm turns a reservation into an open position. A partial fill
// returns the unfilled remainder to available capital.
func (m *Manager) Confirm(reservationID string, fill domain.Fill) (domain.Position, error) {
	p := m.portfolio
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.reservations[reservationID]
	if !ok {
		return domain.Position{}, fmt.Errorf("risk: confirm %s: %w", reservationID, domain.ErrNotFound)
	}
	delete(p.reservations, reservationID)

	filled := decimal.Min(fill.FilledSize, tr.Size)
	if unfilled := tr.Size.Sub(filled); unfilled.IsPositive() {
		p.addExposureLocked(tr.Opportunity.MarketID, tr.Opportunity.Strategy, unfilled.Neg())
	}
	if !filled.IsPositive() {
		return domain.Position{}, fmt.Errorf("risk: confirm %s: empty fill", reservationID)
	}

	shares := fill.Shares
	if !shares.IsPositive() && fill.Price > 0 {
		shares = filled.Div(decimal.NewFromFloat(fill.Price))
	}
	opp := tr.Opportunity
	pos := &domain.Position{
		ID:            reservationID,
		OpportunityID: opp.ID,
		Strategy:      opp.Strategy,
		MarketID:      opp.MarketID,
		Side:          opp.Side,
		EntryPrice:    fill.Price,
		CurrentPrice:  fill.Price,
		Size:          filled,
		Shares:        shares,
		Status:        domain.PositionStatusOpen,
		Counterparty:  opp.Counterparty,
		OpenedAt:      fill.FilledAt,
	}
	p.positions[pos.ID] = pos
	return *pos, nil
}

// MarkToMarket updates the unrealised P&L of an open position.
func (m *Manager) MarkToMarket(positionID string, price float64) (domain.Position, error) {
	p := m.portfolio
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[positionID]
	if !ok {
		return domain.Position{}, fmt.Errorf("risk: mark %s: %w", positionID, domain.ErrNotFound)
	}
	upnl := pos.MarkValue(price).Sub(pos.Size)
	p.unrealized = p.unrealized.Sub(pos.UnrealizedPnL).Add(upnl)
	pos.CurrentPrice = price
	pos.UnrealizedPnL = upnl
	return *pos, nil
}

// ClosePosition realises an open position at exitPrice. Losses feed the
// daily and weekly accumulators.
func (m *Manager) ClosePosition(positionID string, exitPrice float64, reason domain.CloseReason, at time.Time) (domain.Position, error) {
	p := m.portfolio
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[positionID]
	if !ok {
		return domain.Position{}, fmt.Errorf("risk: close %s: %w", positionID, domain.ErrNotFound)
	}
	delete(p.positions, positionID)

	proceeds := pos.MarkValue(exitPrice)
	pnl := proceeds.Sub(pos.Size)
	p.addExposureLocked(pos.MarketID, pos.Strategy, pos.Size.Neg())
	// addExposureLocked credited the cost basis back; add the P&L on top.
	p.available = p.available.Add(pnl)
	p.realized = p.realized.Add(pnl)
	p.unrealized = p.unrealized.Sub(pos.UnrealizedPnL)
	if pnl.IsNegative() {
		p.recordLossLocked(pnl.Neg(), at)
	}

	exit := exitPrice
	closedAt := at
	pos.Status = domain.PositionStatusClosed
	pos.CloseReason = reason
	pos.ExitPrice = &exit
	pos.ClosedAt = &closedAt
	pos.CurrentPrice = exitPrice
	pos.RealizedPnL = pnl
	pos.UnrealizedPnL = decimal.Zero

	m.logger.Info("position closed",
		slog.String("position_id", pos.ID),
		slog.String("market", pos.MarketID),
		slog.String("reason", string(reason)),
		slog.String("pnl", pnl.StringFixed(2)),
	)
	return *pos, nil
}

// RecordLoss adds a realised loss that happened outside a tracked
// position, such as a fee charged on a failed order.
func (m *Manager) RecordLoss(amount decimal.Decimal, at time.Time) {
	if !amount.IsPositive() {
		return
	}
	p := m.portfolio
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = p.available.Sub(amount)
	p.realized = p.realized.Sub(amount)
	p.recordLossLocked(amount, at)
}
