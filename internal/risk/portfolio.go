// Package risk sizes opportunities with fractional Kelly, enforces the
// capital gates, and owns every mutation of the portfolio state.
package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/shopspring/decimal"
)

// Portfolio is the capital ledger. All mutation goes through the Manager,
// which holds mu for the whole decide-and-apply step.
type Portfolio struct {
	mu sync.Mutex

	initial    decimal.Decimal
	available  decimal.Decimal
	deployed   decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal

	dailyLoss  decimal.Decimal
	weeklyLoss decimal.Decimal
	dayStart   time.Time
	weekStart  time.Time

	exposure   map[string]decimal.Decimal
	byStrategy map[string]decimal.Decimal

	reservations map[string]domain.SizedTrade
	positions    map[string]*domain.Position
}

// NewPortfolio creates a portfolio holding only cash.
func NewPortfolio(initial decimal.Decimal) *Portfolio {
	return &Portfolio{
		initial:      initial,
		available:    initial,
		exposure:     make(map[string]decimal.Decimal),
		byStrategy:   make(map[string]decimal.Decimal),
		reservations: make(map[string]domain.SizedTrade),
		positions:    make(map[string]*domain.Position),
	}
}

// Restore rebuilds a portfolio from a persisted snapshot and the open
// positions that back its deployed capital.
func Restore(snap domain.PortfolioSnapshot, open []domain.Position) *Portfolio {
	p := NewPortfolio(snap.TotalCapital)
	p.available = snap.Available
	p.realized = snap.RealizedPnL
	p.dailyLoss = snap.DailyLoss
	p.weeklyLoss = snap.WeeklyLoss
	p.dayStart = snap.DayStart
	p.weekStart = snap.WeekStart
	for i := range open {
		pos := open[i]
		p.positions[pos.ID] = &pos
		p.deployed = p.deployed.Add(pos.Size)
		p.unrealized = p.unrealized.Add(pos.UnrealizedPnL)
		p.exposure[pos.MarketID] = p.exposure[pos.MarketID].Add(pos.Size)
		p.byStrategy[pos.Strategy] = p.byStrategy[pos.Strategy].Add(pos.Size)
	}
	return p
}

// Snapshot returns a consistent copy of the portfolio state.
func (p *Portfolio) Snapshot(now time.Time) domain.PortfolioSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked(now)
	return domain.PortfolioSnapshot{
		TotalCapital:     p.initial,
		Available:        p.available,
		Deployed:         p.deployed,
		RealizedPnL:      p.realized,
		UnrealizedPnL:    p.unrealized,
		DailyLoss:        p.dailyLoss,
		WeeklyLoss:       p.weeklyLoss,
		DayStart:         p.dayStart,
		WeekStart:        p.weekStart,
		MarketExposure:   copyAmounts(p.exposure),
		StrategyDeployed: copyAmounts(p.byStrategy),
		OpenMarkets:      len(p.exposure),
		TakenAt:          now,
	}
}

// Positions returns the open positions ordered by open time.
func (p *Portfolio) Positions() []domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// CheckInvariant verifies that available + deployed equals initial capital
// plus realised P&L and that market exposure sums to deployed capital.
func (p *Portfolio) CheckInvariant() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked()
}

func (p *Portfolio) checkLocked() error {
	lhs := p.available.Add(p.deployed)
	rhs := p.initial.Add(p.realized)
	if !lhs.Equal(rhs) {
		return fmt.Errorf("risk: available %s + deployed %s != capital %s + realized %s",
			p.available, p.deployed, p.initial, p.realized)
	}
	sum := decimal.Zero
	for _, v := range p.exposure {
		sum = sum.Add(v)
	}
	if !sum.Equal(p.deployed) {
		return fmt.Errorf("risk: market exposure %s != deployed %s", sum, p.deployed)
	}
	if p.available.IsNegative() {
		return fmt.Errorf("risk: negative available capital %s", p.available)
	}
	return nil
}

// equityLocked is the capital base for percentage limits.
func (p *Portfolio) equityLocked() decimal.Decimal {
	return p.initial.Add(p.realized)
}

// rollLocked resets the loss accumulators on UTC day and ISO week
// boundaries.
func (p *Portfolio) rollLocked(now time.Time) {
	if now.IsZero() {
		return
	}
	day := dayStart(now)
	if !day.Equal(p.dayStart) {
		p.dayStart = day
		p.dailyLoss = decimal.Zero
	}
	week := weekStart(now)
	if !week.Equal(p.weekStart) {
		p.weekStart = week
		p.weeklyLoss = decimal.Zero
	}
}

func (p *Portfolio) addExposureLocked(market, strategy string, amount decimal.Decimal) {
	p.available = p.available.Sub(amount)
	p.deployed = p.deployed.Add(amount)
	p.exposure[market] = p.exposure[market].Add(amount)
	p.byStrategy[strategy] = p.byStrategy[strategy].Add(amount)
	if !p.exposure[market].IsPositive() {
		delete(p.exposure, market)
	}
	if !p.byStrategy[strategy].IsPositive() {
		delete(p.byStrategy, strategy)
	}
}

func (p *Portfolio) recordLossLocked(loss decimal.Decimal, at time.Time) {
	p.rollLocked(at)
	p.dailyLoss = p.dailyLoss.Add(loss)
	p.weeklyLoss = p.weeklyLoss.Add(loss)
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	return d.AddDate(0, 0, -offset)
}

func copyAmounts(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
