package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Classification buckets counterparties by quality score.
type Classification string

const (
	ClassSmartMoney Classification = "smart_money"
	ClassNeutral    Classification = "neutral"
	ClassDumbMoney  Classification = "dumb_money"
	ClassUnscored   Classification = "unscored"
)

// Whale is a high-volume counterparty observed on the venue.
type Whale struct {
	Address        string          `json:"address"`
	Nickname       string          `json:"nickname"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	TradeCount     int             `json:"trade_count"`
	WinCount       int             `json:"win_count"`
	LossCount      int             `json:"loss_count"`
	QualityScore   *float64        `json:"quality_score,omitempty"`
	Components     ScoreComponents `json:"components"`
	Classification Classification  `json:"classification"`
	Specialization string          `json:"specialization"`
	Tracked        bool            `json:"tracked"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WinRate returns wins / (wins + losses), or 0 with no resolved trades.
func (w Whale) WinRate() float64 {
	n := w.WinCount + w.LossCount
	if n == 0 {
		return 0
	}
	return float64(w.WinCount) / float64(n)
}

// Scored reports whether the whale has a quality score.
func (w Whale) Scored() bool { return w.QualityScore != nil }

// Score returns the quality score, or 0 when unscored.
func (w Whale) Score() float64 {
	if w.QualityScore == nil {
		return 0
	}
	return *w.QualityScore
}

// Copyable reports whether new positions of this whale may be replicated.
// Unscored whales are never copyable regardless of the tracked flag.
func (w Whale) Copyable() bool { return w.Tracked && w.Scored() }

// ScoreComponents holds the five weighted sub-scores, each in [0, 1].
type ScoreComponents struct {
	WinRate     float64 `json:"win_rate"`
	Consistency float64 `json:"consistency"`
	Timing      float64 `json:"timing"`
	Selection   float64 `json:"selection"`
	Risk        float64 `json:"risk"`
}

// LedgerEntry is one position a whale opened, optionally closed.
// PriorPrice is the market price observed before the entry, used for the
// timing sub-score; nil when unknown.
type LedgerEntry struct {
	ID         string          `json:"id"`
	Address    string          `json:"address"`
	MarketID   string          `json:"market_id"`
	Category   string          `json:"category"`
	Side       Outcome         `json:"side"`
	EntryPrice float64         `json:"entry_price"`
	PriorPrice *float64        `json:"prior_price,omitempty"`
	Size       decimal.Decimal `json:"size"`
	ExitPrice  *float64        `json:"exit_price,omitempty"`
	EnteredAt  time.Time       `json:"entered_at"`
	ExitedAt   *time.Time      `json:"exited_at,omitempty"`
}

// Closed reports whether the entry has an exit price.
func (e LedgerEntry) Closed() bool { return e.ExitPrice != nil }

// Return is the fractional return of a closed entry: (exit-entry)/entry.
func (e LedgerEntry) Return() float64 {
	if e.ExitPrice == nil || e.EntryPrice <= 0 {
		return 0
	}
	return (*e.ExitPrice - e.EntryPrice) / e.EntryPrice
}

// PnL is the realised profit of a closed entry in currency units.
func (e LedgerEntry) PnL() decimal.Decimal {
	if e.ExitPrice == nil || e.EntryPrice <= 0 {
		return decimal.Zero
	}
	return e.Size.Mul(decimal.NewFromFloat(e.Return()))
}
