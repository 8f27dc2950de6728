// Package detector holds pure opportunity detectors. Detectors never touch
// portfolio state and return the same opportunities for the same input.
package detector

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/google/uuid"
)

// Strategy names stamped on opportunities.
const (
	NearCertainName      = "near_certain"
	WhaleReplicationName = "whale_replication"
)

// opportunityNS namespaces deterministic opportunity ids.
var opportunityNS = uuid.MustParse("6f1c2d3e-7a8b-4c5d-9e0f-a1b2c3d4e5f6")

// NearCertainConfig bounds which markets count as near-certain.
type NearCertainConfig struct {
	MinPrice          float64
	MaxPrice          float64
	Horizon           time.Duration
	SportsSurcharge   float64
	VolumeSpikeWeight float64
	SentimentWeight   float64
}

// DefaultNearCertainConfig returns the production band and risk weights.
func DefaultNearCertainConfig() NearCertainConfig {
	return NearCertainConfig{
		MinPrice:          0.95,
		MaxPrice:          0.99,
		Horizon:           24 * time.Hour,
		SportsSurcharge:   0.2,
		VolumeSpikeWeight: 0.3,
		SentimentWeight:   0.3,
	}
}

// NearCertain flags outcome tokens priced inside the near-certain band for
// markets settling within the horizon.
type NearCertain struct {
	cfg NearCertainConfig
}

// NewNearCertain creates a NearCertain detector.
func NewNearCertain(cfg NearCertainConfig) *NearCertain {
	return &NearCertain{cfg: cfg}
}

// Detect returns zero, one or two opportunities for the snapshot.
func (d *NearCertain) Detect(snap domain.MarketSnapshot) []domain.Opportunity {
	if snap.Closed || snap.Resolved {
		return nil
	}
	ttl := snap.TimeToSettle()
	if ttl <= 0 || ttl > d.cfg.Horizon {
		return nil
	}
	risk := d.BlackSwanRisk(snap)

	var out []domain.Opportunity
	for _, side := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		p := snap.Price(side)
		if p < d.cfg.MinPrice || p > d.cfg.MaxPrice {
			continue
		}
		expires := snap.SettleAt
		out = append(out, domain.Opportunity{
			ID:             opportunityID(NearCertainName, snap.MarketID, side, snap.ObservedAt),
			Strategy:       NearCertainName,
			MarketID:       snap.MarketID,
			Question:       snap.Question,
			Side:           side,
			ReferencePrice: p,
			Confidence:     1 - risk,
			ExpectedReturn: (1 - p) / p,
			CreatedAt:      snap.ObservedAt,
			ExpiresAt:      &expires,
		})
	}
	return out
}

// BlackSwanRisk estimates the chance of a late reversal, in [0, 1]. It is
// non-decreasing in time-to-settlement and in each anomaly indicator.
func (d *NearCertain) BlackSwanRisk(snap domain.MarketSnapshot) float64 {
	ttl := snap.TimeToSettle()
	var risk float64
	switch {
	case ttl > 12*time.Hour:
		risk += 0.3
	case ttl > 6*time.Hour:
		risk += 0.1
	}
	if strings.EqualFold(snap.Category, "sports") {
		risk += d.cfg.SportsSurcharge
	}
	risk += d.cfg.VolumeSpikeWeight * clamp01(snap.Anomaly.VolumeSpike)
	risk += d.cfg.SentimentWeight * clamp01(snap.Anomaly.NegativeSentiment)
	return clamp01(risk)
}

func opportunityID(strategy, marketID string, side domain.Outcome, at time.Time) string {
	key := fmt.Sprintf("%s|%s|%s|%d", strategy, marketID, side, at.UnixNano())
	return uuid.NewSHA1(opportunityNS, []byte(key)).String()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}
