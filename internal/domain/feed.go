package domain

import (
	"context"
	"time"
)

// MarketDataFeed supplies market snapshots and current prices.
type MarketDataFeed interface {
	Snapshot(ctx context.Context, marketID string) (MarketSnapshot, error)
	Price(ctx context.Context, marketID string, side Outcome) (float64, error)
	// Candidates lists open markets settling within horizon of now.
	Candidates(ctx context.Context, now time.Time, horizon time.Duration) ([]MarketSnapshot, error)
}

// TradeCursor marks a restart point in a trade feed.
type TradeCursor struct {
	Timestamp time.Time
	LastID    string
}

// TradeFeed is an append-only source of counterparty trades. Fetch returns
// observations strictly after cursor and the cursor to resume from.
type TradeFeed interface {
	Fetch(ctx context.Context, cursor TradeCursor, limit int) ([]TradeObservation, TradeCursor, error)
}

// AnomalySource supplies black-swan indicators for a market.
type AnomalySource interface {
	Anomaly(ctx context.Context, snap MarketSnapshot) (Anomaly, error)
}

// ExecutionSink places a sized order. Failures are *ExecutionError.
type ExecutionSink interface {
	Execute(ctx context.Context, req ExecutionRequest) (Fill, error)
}
