package detector

import "github.com/alanyoungcy/polywhale/internal/domain"

// WhaleReplication wraps copyable signals as opportunities. It does not
// advance signal state; the signal generator owns that.
type WhaleReplication struct{}

// NewWhaleReplication creates a WhaleReplication detector.
func NewWhaleReplication() *WhaleReplication {
	return &WhaleReplication{}
}

// Detect returns one opportunity per copyable signal, with the whale's
// quality score as confidence.
func (d *WhaleReplication) Detect(signals []domain.Signal) []domain.Opportunity {
	out := make([]domain.Opportunity, 0, len(signals))
	for _, s := range signals {
		if s.State != domain.SignalCopyable {
			continue
		}
		p := s.LastPrice
		if p <= 0 {
			p = s.EntryPrice
		}
		if p <= 0 || p >= 1 {
			continue
		}
		out = append(out, domain.Opportunity{
			ID:               s.ID,
			Strategy:         WhaleReplicationName,
			MarketID:         s.MarketID,
			Side:             s.Side,
			ReferencePrice:   p,
			Confidence:       s.Quality,
			ExpectedReturn:   (1 - p) / p,
			Counterparty:     s.WhaleAddress,
			CounterpartySize: s.WhaleSize,
			SignalID:         s.ID,
			CreatedAt:        s.CreatedAt,
		})
	}
	return out
}
