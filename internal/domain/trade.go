package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction is the direction of an observed trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// TradeObservation is one counterparty trade read from a trade feed.
type TradeObservation struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Nickname  string          `json:"nickname"`
	MarketID  string          `json:"market_id"`
	Category  string          `json:"category"`
	Side      Outcome         `json:"side"`
	Action    TradeAction     `json:"action"`
	Price     float64         `json:"price"`
	Size      decimal.Decimal `json:"size"` // notional in USDC
	Timestamp time.Time       `json:"timestamp"`
	TxHash    string          `json:"tx_hash"`
}
