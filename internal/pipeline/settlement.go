package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// Ledger is the part of the whale book the settlement sweep needs.
type Ledger interface {
	OpenMarkets() []string
	Settle(ctx context.Context, marketID string, winner domain.Outcome, at time.Time) (int, error)
}

// Resolver reads current market resolution status.
type Resolver interface {
	Refresh(ctx context.Context, marketID string) (domain.MarketSnapshot, error)
}

// Settlement closes whale ledger entries of markets that resolved while the
// whale still held them. Without it, held-to-resolution trades would never
// count towards a whale's record.
type Settlement struct {
	ledger  Ledger
	markets Resolver
	forget  func(marketID string)
	logger  *slog.Logger
	now     func() time.Time
}

// NewSettlement creates a Settlement. forget, when set, is called for each
// resolved market.
func NewSettlement(ledger Ledger, markets Resolver, forget func(marketID string), logger *slog.Logger) *Settlement {
	return &Settlement{
		ledger:  ledger,
		markets: markets,
		forget:  forget,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
	}
}

// SetClock overrides the clock. Intended for tests.
func (s *Settlement) SetClock(now func() time.Time) { s.now = now }

// Sweep checks every market with open ledger entries and settles the
// resolved ones. It returns the number of entries closed.
func (s *Settlement) Sweep(ctx context.Context) (int, error) {
	closed, resolved, failed := 0, 0, 0
	for _, id := range s.ledger.OpenMarkets() {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		snap, err := s.markets.Refresh(ctx, id)
		if err != nil {
			failed++
			s.logger.DebugContext(ctx, "market refresh failed",
				slog.String("market", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !snap.Resolved || !snap.Winner.Valid() {
			continue
		}
		n, err := s.ledger.Settle(ctx, id, snap.Winner, s.now())
		if err != nil {
			return closed, err
		}
		closed += n
		resolved++
		if s.forget != nil {
			s.forget(id)
		}
	}
	if resolved > 0 || failed > 0 {
		s.logger.InfoContext(ctx, "ledger settlement swept",
			slog.Int("resolved_markets", resolved),
			slog.Int("entries_closed", closed),
			slog.Int("refresh_failures", failed),
		)
	}
	return closed, nil
}
