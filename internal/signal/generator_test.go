package signal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "0x2222222222222222222222222222222222222222"

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeWhales map[string]domain.Whale

func (f fakeWhales) Whale(a string) (domain.Whale, bool) {
	w, ok := f[a]
	return w, ok
}

type fakePrices struct {
	price float64
	err   error
}

func (f *fakePrices) Price(context.Context, string, domain.Outcome) (float64, error) {
	return f.price, f.err
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func trackedWhale(score float64) fakeWhales {
	return fakeWhales{addr: {Address: addr, QualityScore: &score, Tracked: true, Classification: domain.ClassSmartMoney}}
}

func newGen(c *clock) *Generator {
	g := NewGenerator(DefaultConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.SetClock(c.Now)
	return g
}

func whaleBuy(price float64) domain.TradeObservation {
	return domain.TradeObservation{
		Address:   addr,
		MarketID:  "m1",
		Side:      domain.OutcomeYes,
		Action:    domain.ActionBuy,
		Price:     price,
		Size:      decimal.NewFromInt(10000),
		Timestamp: t0,
	}
}

func TestGenerator_UntrackedOrUnscoredWhaleIgnored(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	score := 0.9
	untracked := fakeWhales{addr: {Address: addr, QualityScore: &score}}
	s, err := g.OnCounterpartyTrade(ctx, whaleBuy(0.5), untracked)
	require.NoError(t, err)
	assert.Nil(t, s)

	unscored := fakeWhales{addr: {Address: addr, Tracked: true}}
	s, err = g.OnCounterpartyTrade(ctx, whaleBuy(0.5), unscored)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = g.OnCounterpartyTrade(ctx, whaleBuy(0.5), fakeWhales{})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGenerator_SellDoesNotSignal(t *testing.T) {
	g := newGen(&clock{now: t0})
	obs := whaleBuy(0.5)
	obs.Action = domain.ActionSell
	s, err := g.OnCounterpartyTrade(context.Background(), obs, trackedWhale(0.8))
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGenerator_BecomesCopyableAfterDelay(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, err := g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, domain.SignalPending, s.State)
	assert.InDelta(t, 0.8, s.Quality, 1e-9)

	prices := &fakePrices{price: 0.505}
	c.now = t0.Add(4 * time.Minute)
	tr, err := g.Advance(ctx, prices)
	require.NoError(t, err)
	assert.Zero(t, tr.Copyable)
	assert.Empty(t, g.Copyable())

	c.now = t0.Add(5 * time.Minute)
	tr, err = g.Advance(ctx, prices)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Copyable)
	got := g.Copyable()
	require.Len(t, got, 1)
	assert.Equal(t, s.ID, got[0].ID)
}

func TestGenerator_DriftBeforeDelayExpires(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, err := g.OnCounterpartyTrade(ctx, whaleBuy(0.58), trackedWhale(0.8))
	require.NoError(t, err)

	c.now = t0.Add(2 * time.Minute)
	tr, err := g.Advance(ctx, &fakePrices{price: 0.61})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Expired)

	got, ok := g.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SignalExpired, got.State)
	assert.Empty(t, g.Copyable())

	// price comes back, but expired is final
	c.now = t0.Add(6 * time.Minute)
	_, err = g.Advance(ctx, &fakePrices{price: 0.58})
	require.NoError(t, err)
	got, _ = g.Get(s.ID)
	assert.Equal(t, domain.SignalExpired, got.State)
}

func TestGenerator_DriftBetweenTolerancesHoldsPending(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, err := g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	require.NoError(t, err)

	c.now = t0.Add(6 * time.Minute)
	_, err = g.Advance(ctx, &fakePrices{price: 0.515}) // 3% drift
	require.NoError(t, err)
	got, _ := g.Get(s.ID)
	assert.Equal(t, domain.SignalPending, got.State)

	c.now = t0.Add(7 * time.Minute)
	_, err = g.Advance(ctx, &fakePrices{price: 0.505})
	require.NoError(t, err)
	got, _ = g.Get(s.ID)
	assert.Equal(t, domain.SignalCopyable, got.State)
}

func TestGenerator_CopyableExpiresOnStaleDrift(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, _ := g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	c.now = t0.Add(5 * time.Minute)
	_, err := g.Advance(ctx, &fakePrices{price: 0.50})
	require.NoError(t, err)

	// 3% drift: still copyable state but not offered
	c.now = t0.Add(6 * time.Minute)
	_, err = g.Advance(ctx, &fakePrices{price: 0.515})
	require.NoError(t, err)
	got, _ := g.Get(s.ID)
	assert.Equal(t, domain.SignalCopyable, got.State)
	assert.Empty(t, g.Copyable())

	c.now = t0.Add(7 * time.Minute)
	_, err = g.Advance(ctx, &fakePrices{price: 0.53})
	require.NoError(t, err)
	got, _ = g.Get(s.ID)
	assert.Equal(t, domain.SignalExpired, got.State)
}

func TestGenerator_WindowElapsedExpires(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, _ := g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	c.now = t0.Add(15 * time.Minute)
	tr, err := g.Advance(ctx, &fakePrices{price: 0.50})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Expired)
	got, _ := g.Get(s.ID)
	assert.Equal(t, domain.SignalExpired, got.State)
}

func TestGenerator_PriceErrorLeavesStateUnchanged(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, _ := g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	c.now = t0.Add(6 * time.Minute)
	_, err := g.Advance(ctx, &fakePrices{err: errors.New("feed down")})
	require.NoError(t, err)
	got, _ := g.Get(s.ID)
	assert.Equal(t, domain.SignalPending, got.State)
}

func TestGenerator_TerminalStatesAreFinal(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	s, _ := g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	assert.Error(t, g.MarkExecuted(ctx, s.ID), "pending signals cannot be executed")

	c.now = t0.Add(5 * time.Minute)
	_, err := g.Advance(ctx, &fakePrices{price: 0.50})
	require.NoError(t, err)
	require.NoError(t, g.MarkExecuted(ctx, s.ID))

	err = g.MarkExecuted(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSignalTerminal)
	err = g.MarkRejected(ctx, s.ID, "duplicate")
	assert.ErrorIs(t, err, domain.ErrSignalTerminal)

	assert.ErrorIs(t, g.MarkExecuted(ctx, "missing"), domain.ErrNotFound)

	// a later trade by the same whale creates a fresh signal
	next, err := g.OnCounterpartyTrade(ctx, whaleBuy(0.52), trackedWhale(0.8))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestGenerator_StatsAndPrune(t *testing.T) {
	c := &clock{now: t0}
	g := newGen(c)
	ctx := context.Background()

	_, _ = g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.8))
	_, _ = g.OnCounterpartyTrade(ctx, whaleBuy(0.50), trackedWhale(0.6))
	st := g.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.ByState[domain.SignalPending])
	assert.InDelta(t, 0.7, st.AvgPendingConf, 1e-9)

	c.now = t0.Add(20 * time.Minute)
	_, err := g.Advance(ctx, &fakePrices{price: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Prune(t0.Add(time.Hour)))
	assert.Empty(t, g.List())
}

func TestDrift(t *testing.T) {
	assert.InDelta(t, 0.0517, Drift(0.58, 0.61), 1e-4)
	assert.InDelta(t, 0.02, Drift(0.50, 0.49), 1e-9)
}
