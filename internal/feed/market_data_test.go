package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	markets map[string]domain.MarketSnapshot
	calls   int
}

func (f *fakeSource) Market(_ context.Context, id string) (domain.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	snap, ok := f.markets[id]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeSource) MarketByToken(_ context.Context, token string) (domain.MarketSnapshot, domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, snap := range f.markets {
		for side, id := range snap.TokenIDs {
			if id == token {
				return snap, side, nil
			}
		}
	}
	return domain.MarketSnapshot{}, "", domain.ErrNotFound
}

func (f *fakeSource) Candidates(context.Context, time.Time, time.Duration) ([]domain.MarketSnapshot, error) {
	var out []domain.MarketSnapshot
	for _, snap := range f.markets {
		out = append(out, snap)
	}
	return out, nil
}

type memPrices struct {
	prices map[string]float64
	at     map[string]time.Time
}

func (m *memPrices) SetPrice(_ context.Context, id string, p float64, ts time.Time) error {
	m.prices[id], m.at[id] = p, ts
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, id string) (float64, time.Time, error) {
	p, ok := m.prices[id]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, m.at[id], nil
}

func (m *memPrices) GetPrices(_ context.Context, ids []string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, id := range ids {
		if p, ok := m.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type memSnapshots struct {
	snaps map[string]domain.MarketSnapshot
}

func (m *memSnapshots) Set(_ context.Context, s domain.MarketSnapshot) error {
	m.snaps[s.MarketID] = s
	return nil
}

func (m *memSnapshots) Get(_ context.Context, id string) (domain.MarketSnapshot, error) {
	s, ok := m.snaps[id]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSnapshots) Invalidate(_ context.Context, id string) error {
	delete(m.snaps, id)
	return nil
}

func market(id string, yes float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		MarketID: id,
		Category: "sports",
		Prices:   map[domain.Outcome]float64{domain.OutcomeYes: yes, domain.OutcomeNo: 1 - yes},
		TokenIDs: map[domain.Outcome]string{domain.OutcomeYes: id + "-y", domain.OutcomeNo: id + "-n"},
		SettleAt: now.Add(6 * time.Hour),
	}
}

func newMarketData(src *fakeSource) (*MarketData, *memPrices, *memSnapshots) {
	prices := &memPrices{prices: map[string]float64{}, at: map[string]time.Time{}}
	snaps := &memSnapshots{snaps: map[string]domain.MarketSnapshot{}}
	md := NewMarketData(src, prices, snaps, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	md.SetClock(func() time.Time { return now })
	return md, prices, snaps
}

func TestMarketData_SnapshotCachesAndOverlaysLivePrices(t *testing.T) {
	src := &fakeSource{markets: map[string]domain.MarketSnapshot{"m1": market("m1", 0.60)}}
	md, prices, snaps := newMarketData(src)
	ctx := context.Background()

	snap, err := md.Snapshot(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 0.60, snap.Price(domain.OutcomeYes), 1e-9)
	assert.Contains(t, snaps.snaps, "m1")
	assert.Equal(t, now, snap.ObservedAt)

	require.NoError(t, prices.SetPrice(ctx, "m1-y", 0.64, now.Add(-30*time.Second)))
	p, err := md.Price(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, 0.64, p, 1e-9)
	assert.Equal(t, 1, src.calls, "second read is served from the snapshot cache")

	require.NoError(t, prices.SetPrice(ctx, "m1-y", 0.70, now.Add(-2*time.Minute)))
	p, err = md.Price(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, p, 1e-9, "stale live price falls back to the snapshot")
}

func TestMarketData_UnknownMarket(t *testing.T) {
	md, _, _ := newMarketData(&fakeSource{markets: map[string]domain.MarketSnapshot{}})
	_, err := md.Price(context.Background(), "nope", domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketData_ResolveTokenAndWatch(t *testing.T) {
	src := &fakeSource{markets: map[string]domain.MarketSnapshot{"m1": market("m1", 0.5), "m2": market("m2", 0.97)}}
	md, _, _ := newMarketData(src)
	ctx := context.Background()

	marketID, side, category, err := md.ResolveToken(ctx, "m2-n")
	require.NoError(t, err)
	assert.Equal(t, "m2", marketID)
	assert.Equal(t, domain.OutcomeNo, side)
	assert.Equal(t, "sports", category)

	calls := src.calls
	_, _, _, err = md.ResolveToken(ctx, "m2-y")
	require.NoError(t, err)
	assert.Equal(t, calls, src.calls, "known tokens resolve from memory")

	_, err = md.Candidates(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1-n", "m1-y", "m2-n", "m2-y"}, md.WatchedTokens())
}

func TestVolumeSpikes(t *testing.T) {
	v := NewVolumeSpikes(3)
	ctx := context.Background()
	snap := market("m1", 0.97)

	snap.Volume24h = 1000
	a, err := v.Anomaly(ctx, snap)
	require.NoError(t, err)
	assert.Zero(t, a.VolumeSpike, "first observation has no baseline")

	snap.Volume24h = 2000
	a, _ = v.Anomaly(ctx, snap)
	assert.InDelta(t, 0.5, a.VolumeSpike, 1e-9)

	snap.Volume24h = 10000
	snap.Anomaly.NegativeSentiment = 0.4
	a, _ = v.Anomaly(ctx, snap)
	assert.InDelta(t, 1.0, a.VolumeSpike, 1e-9)
	assert.InDelta(t, 0.4, a.NegativeSentiment, 1e-9)

	snap.Volume24h = 9000
	a, _ = v.Anomaly(ctx, snap)
	assert.Zero(t, a.VolumeSpike)

	v.Forget("m1")
	snap.Volume24h = 90000
	a, _ = v.Anomaly(ctx, snap)
	assert.Zero(t, a.VolumeSpike)
}
