package domain

import "time"

// Outcome identifies one of the two outcome tokens of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other outcome token.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Anomaly carries externally supplied black-swan indicators for a market.
// Both fields are normalised to [0, 1].
type Anomaly struct {
	VolumeSpike       float64 `json:"volume_spike"`
	NegativeSentiment float64 `json:"negative_sentiment"`
}

// MarketSnapshot is a point-in-time view of a binary market.
type MarketSnapshot struct {
	MarketID   string              `json:"market_id"`
	Slug       string              `json:"slug"`
	Question   string              `json:"question"`
	Category   string              `json:"category"`
	Prices     map[Outcome]float64 `json:"prices"`
	TokenIDs   map[Outcome]string  `json:"token_ids"`
	Volume24h  float64             `json:"volume_24h"`
	SettleAt   time.Time           `json:"settle_at"`
	Closed     bool                `json:"closed"`
	Resolved   bool                `json:"resolved"`
	Winner     Outcome             `json:"winner"` // set only when Resolved
	ObservedAt time.Time           `json:"observed_at"`
	Anomaly    Anomaly             `json:"anomaly"`
}

// Price returns the price of the given outcome token, or 0 when unknown.
func (m MarketSnapshot) Price(o Outcome) float64 {
	return m.Prices[o]
}

// TimeToSettle returns the duration until settlement measured from the
// snapshot's own observation time.
func (m MarketSnapshot) TimeToSettle() time.Duration {
	return m.SettleAt.Sub(m.ObservedAt)
}
