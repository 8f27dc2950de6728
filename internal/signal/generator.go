// Package signal turns new positions of tracked whales into time-bounded
// copy signals and advances their lifecycle lazily on each poll.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/google/uuid"
)

// Config holds the copy timing and price tolerances.
type Config struct {
	// CopyDelay is how long after the whale's trade a signal stays pending.
	CopyDelay time.Duration
	// MaxWait bounds the copyable window: [CopyDelay, CopyDelay+MaxWait).
	MaxWait time.Duration
	// SlippageTolerance is the maximum drift at which a signal is copyable.
	SlippageTolerance float64
	// StaleTolerance is the drift past which a signal expires.
	StaleTolerance float64
}

// DefaultConfig returns the production copy parameters.
func DefaultConfig() Config {
	return Config{
		CopyDelay:         5 * time.Minute,
		MaxWait:           10 * time.Minute,
		SlippageTolerance: 0.02,
		StaleTolerance:    0.05,
	}
}

// WhaleLookup resolves a canonical address to a whale profile.
type WhaleLookup interface {
	Whale(address string) (domain.Whale, bool)
}

// PriceSource returns the current price of an outcome token.
type PriceSource interface {
	Price(ctx context.Context, marketID string, side domain.Outcome) (float64, error)
}

// Transitions counts state changes made by one Advance call.
type Transitions struct {
	Copyable int
	Expired  int
}

// Generator owns the in-memory signal set. It is safe for concurrent use,
// but only the decision cycle is expected to mutate it.
type Generator struct {
	mu      sync.Mutex
	signals map[string]*domain.Signal
	cfg     Config
	store   domain.SignalStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewGenerator creates a Generator. store may be nil.
func NewGenerator(cfg Config, store domain.SignalStore, logger *slog.Logger) *Generator {
	return &Generator{
		signals: make(map[string]*domain.Signal),
		cfg:     cfg,
		store:   store,
		logger:  logger.With(slog.String("component", "signal_generator")),
		now:     time.Now,
	}
}

// SetClock overrides the clock. Intended for tests.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Load restores non-terminal signals from the store.
func (g *Generator) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	active, err := g.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("signal: load: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range active {
		s := active[i]
		g.signals[s.ID] = &s
	}
	return nil
}

// OnCounterpartyTrade creates a pending signal when a copyable whale opens
// a position. It returns nil for sells and for untracked or unscored
// whales.
func (g *Generator) OnCounterpartyTrade(ctx context.Context, obs domain.TradeObservation, whales WhaleLookup) (*domain.Signal, error) {
	if obs.Action != domain.ActionBuy || obs.Price <= 0 || !obs.Side.Valid() {
		return nil, nil
	}
	w, ok := whales.Whale(obs.Address)
	if !ok || !w.Copyable() {
		return nil, nil
	}

	created := obs.Timestamp
	if created.IsZero() {
		created = g.now()
	}
	s := &domain.Signal{
		ID:           uuid.NewString(),
		WhaleAddress: w.Address,
		MarketID:     obs.MarketID,
		Category:     obs.Category,
		Side:         obs.Side,
		EntryPrice:   obs.Price,
		WhaleSize:    obs.Size,
		Quality:      w.Score(),
		State:        domain.SignalPending,
		LastPrice:    obs.Price,
		CreatedAt:    created,
		UpdatedAt:    g.now(),
	}

	g.mu.Lock()
	g.signals[s.ID] = s
	out := *s
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "signal created",
		slog.String("signal_id", s.ID),
		slog.String("whale", w.Address),
		slog.String("market", s.MarketID),
		slog.String("side", string(s.Side)),
		slog.Float64("entry_price", s.EntryPrice),
		slog.Float64("quality", s.Quality),
	)
	g.persist(ctx, out)
	return &out, nil
}

// Advance re-evaluates every non-terminal signal against current prices.
// Price lookup failures leave the signal untouched until the next poll.
func (g *Generator) Advance(ctx context.Context, prices PriceSource) (Transitions, error) {
	now := g.now()

	g.mu.Lock()
	live := make([]*domain.Signal, 0, len(g.signals))
	for _, s := range g.signals {
		if !s.State.Terminal() {
			live = append(live, s)
		}
	}
	g.mu.Unlock()

	var tr Transitions
	for _, s := range live {
		if err := ctx.Err(); err != nil {
			return tr, err
		}

		g.mu.Lock()
		age := s.Age(now)
		windowEnd := g.cfg.CopyDelay + g.cfg.MaxWait
		if age >= windowEnd {
			g.transitionLocked(s, domain.SignalExpired, "copy window elapsed", now)
			tr.Expired++
			snap := *s
			g.mu.Unlock()
			g.persist(ctx, snap)
			continue
		}
		marketID, side := s.MarketID, s.Side
		g.mu.Unlock()

		price, err := prices.Price(ctx, marketID, side)
		if err != nil {
			g.logger.WarnContext(ctx, "signal price lookup failed",
				slog.String("signal_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		g.mu.Lock()
		if s.State.Terminal() {
			g.mu.Unlock()
			continue
		}
		before := s.State
		drift := Drift(s.EntryPrice, price)
		s.LastPrice = price
		s.Drift = drift
		s.UpdatedAt = now
		switch {
		case drift > g.cfg.StaleTolerance:
			g.transitionLocked(s, domain.SignalExpired, fmt.Sprintf("price drift %.2f%%", drift*100), now)
			tr.Expired++
		case s.State == domain.SignalPending && age >= g.cfg.CopyDelay && drift <= g.cfg.SlippageTolerance:
			g.transitionLocked(s, domain.SignalCopyable, "", now)
			tr.Copyable++
		}
		snap := *s
		g.mu.Unlock()

		if snap.State != before {
			g.persist(ctx, snap)
		}
	}
	return tr, nil
}

// Copyable returns copyable signals whose last observed drift is within the
// slippage tolerance, ordered by creation time.
func (g *Generator) Copyable() []domain.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Signal
	for _, s := range g.signals {
		if s.State == domain.SignalCopyable && s.Drift <= g.cfg.SlippageTolerance {
			out = append(out, *s)
		}
	}
	sortSignals(out)
	return out
}

// MarkExecuted moves a copyable signal to executed.
func (g *Generator) MarkExecuted(ctx context.Context, id string) error {
	return g.finish(ctx, id, domain.SignalExecuted, "")
}

// MarkRejected moves a copyable signal to rejected with a reason code.
func (g *Generator) MarkRejected(ctx context.Context, id, reason string) error {
	return g.finish(ctx, id, domain.SignalRejected, reason)
}

func (g *Generator) finish(ctx context.Context, id string, to domain.SignalState, reason string) error {
	g.mu.Lock()
	s, ok := g.signals[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("signal: %s: %w", id, domain.ErrNotFound)
	}
	if s.State.Terminal() {
		state := s.State
		g.mu.Unlock()
		return fmt.Errorf("signal: %s is %s: %w", id, state, domain.ErrSignalTerminal)
	}
	if s.State != domain.SignalCopyable {
		g.mu.Unlock()
		return fmt.Errorf("signal: %s is %s, not copyable", id, s.State)
	}
	g.transitionLocked(s, to, reason, g.now())
	snap := *s
	g.mu.Unlock()

	g.persist(ctx, snap)
	return nil
}

// Get returns a copy of one signal.
func (g *Generator) Get(id string) (domain.Signal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.signals[id]
	if !ok {
		return domain.Signal{}, false
	}
	return *s, true
}

// List returns every signal held in memory, ordered by creation time.
func (g *Generator) List() []domain.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Signal, 0, len(g.signals))
	for _, s := range g.signals {
		out = append(out, *s)
	}
	sortSignals(out)
	return out
}

// Stats summarises the signal set.
func (g *Generator) Stats() domain.SignalStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := domain.SignalStats{Total: len(g.signals), ByState: make(map[domain.SignalState]int)}
	var conf float64
	for _, s := range g.signals {
		st.ByState[s.State]++
		if s.State == domain.SignalPending {
			conf += s.Quality
		}
	}
	if n := st.ByState[domain.SignalPending]; n > 0 {
		st.AvgPendingConf = conf / float64(n)
	}
	return st
}

// Prune drops terminal signals last updated before the cutoff from memory.
func (g *Generator) Prune(before time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, s := range g.signals {
		if s.State.Terminal() && s.UpdatedAt.Before(before) {
			delete(g.signals, id)
			n++
		}
	}
	return n
}

func (g *Generator) transitionLocked(s *domain.Signal, to domain.SignalState, reason string, at time.Time) {
	g.logger.Debug("signal transition",
		slog.String("signal_id", s.ID),
		slog.String("from", string(s.State)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	s.State = to
	s.Reason = reason
	s.UpdatedAt = at
}

func (g *Generator) persist(ctx context.Context, s domain.Signal) {
	if g.store == nil {
		return
	}
	if err := g.store.Upsert(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.WarnContext(ctx, "persist signal failed",
			slog.String("signal_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Drift is the absolute relative price change from entry to current.
func Drift(entry, current float64) float64 {
	if entry <= 0 {
		return math.Inf(1)
	}
	return math.Abs(current-entry) / entry
}

func sortSignals(s []domain.Signal) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}
