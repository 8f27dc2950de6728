package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceSource returns the current price of an outcome token.
type PriceSource interface {
	Price(ctx context.Context, marketID string, side domain.Outcome) (float64, error)
}

// PaperVenue simulates fills against live prices without touching the
// exchange.
type PaperVenue struct {
	prices    PriceSource
	slippage  float64
	fillRatio float64
	seq       atomic.Int64
	now       func() time.Time
}

// NewPaperVenue creates a PaperVenue that fills at the current price plus
// slippage. fillRatio below 1 simulates partial fills; zero means full.
func NewPaperVenue(prices PriceSource, slippage, fillRatio float64) *PaperVenue {
	if fillRatio <= 0 || fillRatio > 1 {
		fillRatio = 1
	}
	return &PaperVenue{
		prices:    prices,
		slippage:  slippage,
		fillRatio: fillRatio,
		now:       time.Now,
	}
}

// PlaceOrder fills req or fails with a typed execution error.
func (v *PaperVenue) PlaceOrder(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	if !req.Size.IsPositive() {
		return domain.Fill{}, &domain.ExecutionError{Kind: domain.FailureRejected, Err: fmt.Errorf("non-positive size %s", req.Size)}
	}
	p, err := v.prices.Price(ctx, req.MarketID, req.Side)
	if err != nil {
		return domain.Fill{}, &domain.ExecutionError{Kind: domain.FailureVenue, Err: fmt.Errorf("paper: price: %w", err)}
	}
	if p <= 0 || p >= 1 {
		return domain.Fill{}, &domain.ExecutionError{Kind: domain.FailureRejected, Err: fmt.Errorf("paper: no market at price %.4f", p)}
	}
	fillPrice := p * (1 + v.slippage)
	if fillPrice > req.MaxPrice {
		return domain.Fill{}, &domain.ExecutionError{
			Kind: domain.FailurePriceMoved,
			Err:  fmt.Errorf("paper: price %.4f above limit %.4f", fillPrice, req.MaxPrice),
		}
	}

	filled := req.Size.Mul(decimal.NewFromFloat(v.fillRatio)).Truncate(2)
	return domain.Fill{
		OrderID:    fmt.Sprintf("paper-%d", v.seq.Add(1)),
		Price:      fillPrice,
		FilledSize: filled,
		Shares:     filled.Div(decimal.NewFromFloat(fillPrice)),
		FilledAt:   v.now(),
	}, nil
}
