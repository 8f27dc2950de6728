// Package feed assembles market snapshots and live prices from the venue
// REST API and the Redis caches kept fresh by the price stream.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// MarketSource is the authoritative market metadata source.
type MarketSource interface {
	Market(ctx context.Context, marketID string) (domain.MarketSnapshot, error)
	MarketByToken(ctx context.Context, tokenID string) (domain.MarketSnapshot, domain.Outcome, error)
	Candidates(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.MarketSnapshot, error)
}

type tokenRef struct {
	marketID string
	side     domain.Outcome
	category string
}

// MarketData implements domain.MarketDataFeed. Metadata is served from the
// snapshot cache when present; prices prefer a live cache entry younger
// than maxPriceAge and fall back to the snapshot's REST price.
type MarketData struct {
	source      MarketSource
	prices      domain.PriceCache
	snapshots   domain.SnapshotCache
	maxPriceAge time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.RWMutex
	tokens map[string]tokenRef
}

// NewMarketData creates a MarketData. prices and snapshots may be nil.
func NewMarketData(source MarketSource, prices domain.PriceCache, snapshots domain.SnapshotCache, maxPriceAge time.Duration, logger *slog.Logger) *MarketData {
	return &MarketData{
		source:      source,
		prices:      prices,
		snapshots:   snapshots,
		maxPriceAge: maxPriceAge,
		logger:      logger.With(slog.String("component", "market_data")),
		now:         time.Now,
		tokens:      make(map[string]tokenRef),
	}
}

// SetClock replaces the wall clock; used by tests.
func (m *MarketData) SetClock(now func() time.Time) { m.now = now }

// Snapshot returns the market's metadata with live prices applied.
func (m *MarketData) Snapshot(ctx context.Context, marketID string) (domain.MarketSnapshot, error) {
	if m.snapshots != nil {
		snap, err := m.snapshots.Get(ctx, marketID)
		if err == nil {
			m.remember(snap)
			return m.withLivePrices(ctx, snap), nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "snapshot cache read failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	snap, err := m.Refresh(ctx, marketID)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	return m.withLivePrices(ctx, snap), nil
}

// Refresh reads the market from the source, bypassing the cache, and
// stores the result. Used where resolution status must be current.
func (m *MarketData) Refresh(ctx context.Context, marketID string) (domain.MarketSnapshot, error) {
	snap, err := m.source.Market(ctx, marketID)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("feed: market %s: %w", marketID, err)
	}
	m.store(ctx, snap)
	return snap, nil
}

// Price returns the current price of one side of a market.
func (m *MarketData) Price(ctx context.Context, marketID string, side domain.Outcome) (float64, error) {
	snap, err := m.Snapshot(ctx, marketID)
	if err != nil {
		return 0, err
	}
	price := snap.Price(side)
	if price <= 0 {
		return 0, fmt.Errorf("feed: price %s/%s: %w", marketID, side, domain.ErrNotFound)
	}
	return price, nil
}

// Candidates lists open markets settling within horizon, with live prices.
func (m *MarketData) Candidates(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.MarketSnapshot, error) {
	snaps, err := m.source.Candidates(ctx, now, horizon)
	if err != nil {
		return nil, fmt.Errorf("feed: candidates: %w", err)
	}
	for i := range snaps {
		m.store(ctx, snaps[i])
		snaps[i] = m.withLivePrices(ctx, snaps[i])
	}
	return snaps, nil
}

// ResolveToken maps an outcome token id onto its market, side and category.
func (m *MarketData) ResolveToken(ctx context.Context, tokenID string) (string, domain.Outcome, string, error) {
	m.mu.RLock()
	ref, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if ok {
		return ref.marketID, ref.side, ref.category, nil
	}
	snap, side, err := m.source.MarketByToken(ctx, tokenID)
	if err != nil {
		return "", "", "", fmt.Errorf("feed: resolve token %s: %w", tokenID, err)
	}
	m.store(ctx, snap)
	return snap.MarketID, side, snap.Category, nil
}

// WatchedTokens returns the token ids of every market seen so far, sorted.
func (m *MarketData) WatchedTokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *MarketData) store(ctx context.Context, snap domain.MarketSnapshot) {
	m.remember(snap)
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Set(ctx, snap); err != nil {
		m.logger.WarnContext(ctx, "snapshot cache write failed",
			slog.String("market", snap.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *MarketData) remember(snap domain.MarketSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for side, id := range snap.TokenIDs {
		if id != "" {
			m.tokens[id] = tokenRef{marketID: snap.MarketID, side: side, category: snap.Category}
		}
	}
}

// withLivePrices overlays fresh cached prices onto a copy of snap.
func (m *MarketData) withLivePrices(ctx context.Context, snap domain.MarketSnapshot) domain.MarketSnapshot {
	if m.prices == nil || snap.Closed {
		return snap
	}
	now := m.now()
	prices := make(map[domain.Outcome]float64, len(snap.Prices))
	for side, p := range snap.Prices {
		prices[side] = p
	}
	for side, id := range snap.TokenIDs {
		p, at, err := m.prices.GetPrice(ctx, id)
		if err != nil || p <= 0 {
			continue
		}
		if m.maxPriceAge > 0 && now.Sub(at) > m.maxPriceAge {
			continue
		}
		prices[side] = p
	}
	snap.Prices = prices
	snap.ObservedAt = now
	return snap
}
