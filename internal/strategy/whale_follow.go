package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polywhale/internal/detector"
	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/signal"
)

// WhaleFollowStrategy copies new positions of tracked whales once their
// signals become copyable.
type WhaleFollowStrategy struct {
	gen      *signal.Generator
	detector *detector.WhaleReplication
	whales   func() signal.WhaleLookup
	prices   signal.PriceSource
	inbox    chan domain.TradeObservation
	logger   *slog.Logger
}

// NewWhaleFollowStrategy creates a WhaleFollowStrategy. whales returns the
// current whale book snapshot; inboxSize bounds the observations buffered
// between cycles.
func NewWhaleFollowStrategy(gen *signal.Generator, whales func() signal.WhaleLookup, prices signal.PriceSource, inboxSize int, logger *slog.Logger) *WhaleFollowStrategy {
	if inboxSize < 1 {
		inboxSize = 1024
	}
	return &WhaleFollowStrategy{
		gen:      gen,
		detector: detector.NewWhaleReplication(),
		whales:   whales,
		prices:   prices,
		inbox:    make(chan domain.TradeObservation, inboxSize),
		logger:   logger.With(slog.String("strategy", detector.WhaleReplicationName)),
	}
}

// Name returns the strategy identifier.
func (s *WhaleFollowStrategy) Name() string { return detector.WhaleReplicationName }

// Observe queues counterparty trades for the next cycle. It never blocks;
// observations that do not fit are dropped and counted.
func (s *WhaleFollowStrategy) Observe(obs ...domain.TradeObservation) int {
	dropped := 0
	for _, o := range obs {
		select {
		case s.inbox <- o:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn("whale follow inbox full, dropping observations", slog.Int("dropped", dropped))
	}
	return dropped
}

// Detect turns queued trades into signals, advances every live signal and
// returns the copyable ones.
func (s *WhaleFollowStrategy) Detect(ctx context.Context, _ time.Time) ([]domain.Opportunity, error) {
	lookup := s.whales()
	created := 0
drain:
	for {
		select {
		case obs := <-s.inbox:
			sig, err := s.gen.OnCounterpartyTrade(ctx, obs, lookup)
			if err != nil {
				return nil, fmt.Errorf("whale_follow: signal: %w", err)
			}
			if sig != nil {
				created++
			}
		default:
			break drain
		}
	}

	tr, err := s.gen.Advance(ctx, s.prices)
	if err != nil {
		return nil, fmt.Errorf("whale_follow: advance: %w", err)
	}
	if created > 0 || tr.Copyable > 0 || tr.Expired > 0 {
		s.logger.InfoContext(ctx, "signals advanced",
			slog.Int("created", created),
			slog.Int("copyable", tr.Copyable),
			slog.Int("expired", tr.Expired),
		)
	}
	return s.detector.Detect(s.gen.Copyable()), nil
}

// OnOutcome finalises the signal behind an executed or rejected copy.
// Failed and dropped copies stay copyable for the next cycle.
func (s *WhaleFollowStrategy) OnOutcome(ctx context.Context, opp domain.Opportunity, out domain.ExecutionOutcome) {
	if opp.SignalID == "" {
		return
	}
	var err error
	switch out.Status {
	case domain.OutcomeExecuted:
		err = s.gen.MarkExecuted(ctx, opp.SignalID)
	case domain.OutcomeRejected:
		err = s.gen.MarkRejected(ctx, opp.SignalID, string(out.Reason))
	default:
		return
	}
	if err != nil {
		s.logger.WarnContext(ctx, "finalise signal failed",
			slog.String("signal_id", opp.SignalID),
			slog.String("error", err.Error()),
		)
	}
}
