package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a candidate trade produced by a strategy. It is immutable
// once built and consumed exactly once by the orchestrator.
type Opportunity struct {
	ID             string
	Strategy       string
	MarketID       string
	Question       string
	Side           Outcome
	ReferencePrice float64
	Confidence     float64
	// ExpectedReturn is the fractional profit if the trade resolves in
	// favour, e.g. (1-p)/p for a binary buy at p. Zero when unknown.
	ExpectedReturn float64
	// Counterparty and CounterpartySize are set for whale-copy trades.
	Counterparty     string
	CounterpartySize decimal.Decimal
	SignalID         string
	CreatedAt        time.Time
	ExpiresAt        *time.Time
}

// IsWhaleCopy reports whether the opportunity replicates a counterparty.
func (o Opportunity) IsWhaleCopy() bool {
	return o.Counterparty != ""
}

// Expired reports whether the opportunity's expiry has passed at now.
func (o Opportunity) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Key identifies the market and side the opportunity trades.
func (o Opportunity) Key() string {
	return o.MarketID + ":" + string(o.Side)
}
