package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalState is the lifecycle state of a whale-copy signal.
type SignalState string

const (
	SignalPending  SignalState = "pending"
	SignalCopyable SignalState = "copyable"
	SignalExecuted SignalState = "executed"
	SignalExpired  SignalState = "expired"
	SignalRejected SignalState = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s SignalState) Terminal() bool {
	return s == SignalExecuted || s == SignalExpired || s == SignalRejected
}

// Signal is a time-bounded copy candidate derived from a tracked whale's
// new position.
type Signal struct {
	ID           string          `json:"id"`
	WhaleAddress string          `json:"whale_address"`
	MarketID     string          `json:"market_id"`
	Category     string          `json:"category"`
	Side         Outcome         `json:"side"`
	EntryPrice   float64         `json:"entry_price"`
	WhaleSize    decimal.Decimal `json:"whale_size"`
	Quality      float64         `json:"quality"`
	State        SignalState     `json:"state"`
	LastPrice    float64         `json:"last_price"`
	Drift        float64         `json:"drift"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Age returns the signal age at now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// SignalStats summarises the generator's in-memory signal set.
type SignalStats struct {
	Total          int                 `json:"total"`
	ByState        map[SignalState]int `json:"by_state"`
	AvgPendingConf float64             `json:"avg_pending_confidence"`
}
