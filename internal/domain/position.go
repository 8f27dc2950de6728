package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseSettled  CloseReason = "settled"
	CloseStopLoss CloseReason = "stop_loss"
	CloseManual   CloseReason = "manual"
)

// Position is an open or historical holding created from an accepted
// opportunity.
type Position struct {
	ID            string          `json:"id"`
	OpportunityID string          `json:"opportunity_id"`
	Strategy      string          `json:"strategy"`
	MarketID      string          `json:"market_id"`
	Side          Outcome         `json:"side"`
	EntryPrice    float64         `json:"entry_price"`
	CurrentPrice  float64         `json:"current_price"`
	Size          decimal.Decimal `json:"size"` // cost basis
	Shares        decimal.Decimal `json:"shares"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Status        PositionStatus  `json:"status"`
	CloseReason   CloseReason     `json:"close_reason"`
	Counterparty  string          `json:"counterparty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	ExitPrice     *float64        `json:"exit_price,omitempty"`
}

// MarkValue returns the position value at price.
func (p Position) MarkValue(price float64) decimal.Decimal {
	return p.Shares.Mul(decimal.NewFromFloat(price))
}

// PortfolioSnapshot is a serialisable copy of the portfolio state.
type PortfolioSnapshot struct {
	TotalCapital     decimal.Decimal            `json:"total_capital"`
	Available        decimal.Decimal            `json:"available"`
	Deployed         decimal.Decimal            `json:"deployed"`
	RealizedPnL      decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal            `json:"unrealized_pnl"`
	DailyLoss        decimal.Decimal            `json:"daily_loss"`
	WeeklyLoss       decimal.Decimal            `json:"weekly_loss"`
	DayStart         time.Time                  `json:"day_start"`
	WeekStart        time.Time                  `json:"week_start"`
	MarketExposure   map[string]decimal.Decimal `json:"market_exposure"`
	StrategyDeployed map[string]decimal.Decimal `json:"strategy_deployed"`
	OpenMarkets      int                        `json:"open_markets"`
	TakenAt          time.Time                  `json:"taken_at"`
}
