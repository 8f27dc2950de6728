package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polywhale/internal/detector"
	"github.com/alanyoungcy/polywhale/internal/domain"
)

// MarketScanner lists markets settling within a horizon.
type MarketScanner interface {
	Candidates(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.MarketSnapshot, error)
}

// NearCertainStrategy buys outcome tokens priced in the near-certain band
// shortly before settlement and holds to resolution.
type NearCertainStrategy struct {
	detector  *detector.NearCertain
	scanner   MarketScanner
	anomalies domain.AnomalySource
	horizon   time.Duration
	cooldown  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	taken map[string]time.Time
}

// NewNearCertainStrategy creates a NearCertainStrategy. anomalies may be nil.
// After an execution the same market and side are skipped for cooldown.
func NewNearCertainStrategy(cfg detector.NearCertainConfig, scanner MarketScanner, anomalies domain.AnomalySource, cooldown time.Duration, logger *slog.Logger) *NearCertainStrategy {
	return &NearCertainStrategy{
		detector:  detector.NewNearCertain(cfg),
		scanner:   scanner,
		anomalies: anomalies,
		horizon:   cfg.Horizon,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("strategy", detector.NearCertainName)),
		taken:     make(map[string]time.Time),
	}
}

// Name returns the strategy identifier.
func (s *NearCertainStrategy) Name() string { return detector.NearCertainName }

// Detect scans candidate markets. An anomaly lookup failure degrades to no
// anomaly for that market rather than failing the strategy.
func (s *NearCertainStrategy) Detect(ctx context.Context, now time.Time) ([]domain.Opportunity, error) {
	snaps, err := s.scanner.Candidates(ctx, now, s.horizon)
	if err != nil {
		return nil, fmt.Errorf("near_certain: scan: %w", err)
	}

	var out []domain.Opportunity
	for _, snap := range snaps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.anomalies != nil {
			a, err := s.anomalies.Anomaly(ctx, snap)
			if err != nil {
				s.logger.DebugContext(ctx, "anomaly lookup failed",
					slog.String("market", snap.MarketID),
					slog.String("error", err.Error()),
				)
			} else {
				snap.Anomaly = a
			}
		}
		for _, opp := range s.detector.Detect(snap) {
			if s.cooling(opp.Key(), now) {
				continue
			}
			out = append(out, opp)
		}
	}
	return out, nil
}

// OnOutcome starts the cooldown for executed markets.
func (s *NearCertainStrategy) OnOutcome(_ context.Context, opp domain.Opportunity, out domain.ExecutionOutcome) {
	if out.Status != domain.OutcomeExecuted {
		return
	}
	at := opp.CreatedAt
	if out.Position != nil {
		at = out.Position.OpenedAt
	}
	s.mu.Lock()
	s.taken[opp.Key()] = at
	s.mu.Unlock()
}

func (s *NearCertainStrategy) cooling(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.taken[key]
	if !ok {
		return false
	}
	if now.Sub(at) >= s.cooldown {
		delete(s.taken, key)
		return false
	}
	return true
}
