package whale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const whaleAddr = "0x1111111111111111111111111111111111111111"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBook() *Book {
	b := NewBook(
		NewScorer(DefaultScorerConfig()),
		BookConfig{MinTradeUSD: decimal.NewFromInt(1000)},
		nil, nil, nil,
		discardLogger(),
	)
	b.SetClock(func() time.Time { return asOf })
	return b
}

func buy(id, market string, price float64, size int64, at time.Time) domain.TradeObservation {
	return domain.TradeObservation{
		ID:        id,
		Address:   whaleAddr,
		MarketID:  market,
		Category:  "politics",
		Side:      domain.OutcomeYes,
		Action:    domain.ActionBuy,
		Price:     price,
		Size:      decimal.NewFromInt(size),
		Timestamp: at,
	}
}

func sell(id, market string, price float64, size int64, at time.Time) domain.TradeObservation {
	o := buy(id, market, price, size, at)
	o.Action = domain.ActionSell
	return o
}

func TestBook_SmallTradeDoesNotCreateWhale(t *testing.T) {
	b := newTestBook()
	res, err := b.Record(context.Background(), []domain.TradeObservation{
		buy("t1", "m1", 0.5, 500, asOf),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, b.Snapshot().Len())
}

func TestBook_KnownWhaleRecordsSmallTrades(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()
	_, err := b.Record(ctx, []domain.TradeObservation{buy("t1", "m1", 0.5, 5000, asOf)})
	require.NoError(t, err)
	_, err = b.Record(ctx, []domain.TradeObservation{buy("t2", "m2", 0.5, 10, asOf)})
	require.NoError(t, err)

	w, ok := b.Snapshot().Whale(whaleAddr)
	require.True(t, ok)
	assert.Equal(t, 2, w.TradeCount)
	assert.True(t, w.TotalVolume.Equal(decimal.NewFromInt(5010)))
	assert.False(t, w.Scored())
	assert.Equal(t, domain.ClassUnscored, w.Classification)
}

func TestBook_SellClosesOldestEntry(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()
	_, err := b.Record(ctx, []domain.TradeObservation{
		buy("t1", "m1", 0.40, 2000, asOf.Add(-3*time.Hour)),
		buy("t2", "m1", 0.60, 2000, asOf.Add(-2*time.Hour)),
		sell("t3", "m1", 0.70, 2000, asOf.Add(-time.Hour)),
	})
	require.NoError(t, err)

	h := b.History(whaleAddr)
	require.Len(t, h, 2)
	require.True(t, h[0].Closed())
	assert.InDelta(t, 0.70, *h[0].ExitPrice, 1e-9)
	assert.False(t, h[1].Closed())
	require.NotNil(t, h[1].PriorPrice)
	assert.InDelta(t, 0.40, *h[1].PriorPrice, 1e-9)

	w, _ := b.Snapshot().Whale(whaleAddr)
	assert.Equal(t, 1, w.WinCount)
}

func TestBook_SnapshotIsolation(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()
	_, err := b.Record(ctx, []domain.TradeObservation{buy("t1", "m1", 0.5, 5000, asOf)})
	require.NoError(t, err)

	before := b.Snapshot()
	_, err = b.Record(ctx, []domain.TradeObservation{buy("t2", "m2", 0.5, 5000, asOf)})
	require.NoError(t, err)

	old, _ := before.Whale(whaleAddr)
	cur, _ := b.Snapshot().Whale(whaleAddr)
	assert.Equal(t, 1, old.TradeCount)
	assert.Equal(t, 2, cur.TradeCount)
}

func TestBook_SettleScoresAndTracks(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()

	var batch []domain.TradeObservation
	for i := 0; i < 12; i++ {
		batch = append(batch, buy(fmt.Sprintf("t%d", i), fmt.Sprintf("m%d", i), 0.40, 2000, asOf.Add(-time.Hour)))
	}
	_, err := b.Record(ctx, batch)
	require.NoError(t, err)

	w, _ := b.Snapshot().Whale(whaleAddr)
	require.True(t, w.Scored(), "12 open entries meet the minimum sample")

	for i := 0; i < 12; i++ {
		winner := domain.OutcomeYes
		if i >= 10 {
			winner = domain.OutcomeNo
		}
		n, err := b.Settle(ctx, fmt.Sprintf("m%d", i), winner, asOf.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	w, _ = b.Snapshot().Whale(whaleAddr)
	assert.Equal(t, 10, w.WinCount)
	assert.Equal(t, 2, w.LossCount)
	assert.True(t, w.Copyable())
	assert.Len(t, b.Snapshot().List(true), 1)
}

func TestBook_InvalidAddressSkipped(t *testing.T) {
	b := newTestBook()
	o := buy("t1", "m1", 0.5, 5000, asOf)
	o.Address = "bogus"
	res, err := b.Record(context.Background(), []domain.TradeObservation{o})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Recorded)
}

func TestBook_OpenMarkets(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()
	_, err := b.Record(ctx, []domain.TradeObservation{
		buy("t1", "m2", 0.5, 2000, asOf),
		buy("t2", "m1", 0.5, 2000, asOf),
		buy("t3", "m3", 0.5, 2000, asOf),
	})
	require.NoError(t, err)
	_, err = b.Settle(ctx, "m3", domain.OutcomeYes, asOf)
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, b.OpenMarkets())
}

type flakyLedger struct {
	failAppends int
	appended    []domain.LedgerEntry
}

func (l *flakyLedger) Append(_ context.Context, e domain.LedgerEntry) error {
	if l.failAppends > 0 {
		l.failAppends--
		return errors.New("db down")
	}
	l.appended = append(l.appended, e)
	return nil
}

func (l *flakyLedger) CloseEntry(context.Context, string, float64, time.Time) error { return nil }

func (l *flakyLedger) ListByAddress(context.Context, string) ([]domain.LedgerEntry, error) {
	return nil, nil
}

func (l *flakyLedger) ListAll(context.Context) ([]domain.LedgerEntry, error) { return nil, nil }

type failingWhales struct{ err error }

func (f failingWhales) Upsert(context.Context, domain.Whale) error { return f.err }
func (f failingWhales) UpsertBatch(context.Context, []domain.Whale) error { return f.err }

func (f failingWhales) GetByAddress(context.Context, string) (domain.Whale, error) {
	return domain.Whale{}, domain.ErrNotFound
}

func (f failingWhales) List(context.Context, bool, domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}

func TestBook_FailedLedgerWriteLeavesBookUnchanged(t *testing.T) {
	ledger := &flakyLedger{failAppends: 1}
	b := NewBook(NewScorer(DefaultScorerConfig()),
		BookConfig{MinTradeUSD: decimal.NewFromInt(1000)}, nil, ledger, nil, discardLogger())
	b.SetClock(func() time.Time { return asOf })
	ctx := context.Background()
	batch := []domain.TradeObservation{buy("t1", "m1", 0.5, 5000, asOf)}

	_, err := b.Record(ctx, batch)
	require.Error(t, err)
	assert.Zero(t, b.Snapshot().Len())
	assert.Empty(t, b.History(whaleAddr))

	res, err := b.Record(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, res.Recorded, 1)

	w, ok := b.Snapshot().Whale(whaleAddr)
	require.True(t, ok)
	assert.Equal(t, 1, w.TradeCount)
	assert.True(t, w.TotalVolume.Equal(decimal.NewFromInt(5000)), "volume %s", w.TotalVolume)
	assert.Len(t, b.History(whaleAddr), 1)
	assert.Len(t, ledger.appended, 1)
}

func TestBook_FailedWhaleWriteRestoresExits(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()
	_, err := b.Record(ctx, []domain.TradeObservation{buy("t1", "m1", 0.4, 5000, asOf.Add(-time.Hour))})
	require.NoError(t, err)

	b.whaleStore = failingWhales{err: errors.New("db down")}
	_, err = b.Record(ctx, []domain.TradeObservation{sell("t2", "m1", 0.6, 5000, asOf)})
	require.Error(t, err)
	require.False(t, b.History(whaleAddr)[0].Closed(), "exit rolled back")

	_, err = b.Settle(ctx, "m1", domain.OutcomeYes, asOf)
	require.Error(t, err)
	assert.False(t, b.History(whaleAddr)[0].Closed())
	assert.Equal(t, []string{"m1"}, b.OpenMarkets())

	w, _ := b.Snapshot().Whale(whaleAddr)
	assert.Zero(t, w.WinCount)
}

func TestBook_ReplayedObservationsSkipped(t *testing.T) {
	b := newTestBook()
	ctx := context.Background()
	batch := []domain.TradeObservation{
		buy("t1", "m1", 0.5, 5000, asOf),
		buy("t1", "m1", 0.5, 5000, asOf),
	}
	res, err := b.Record(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, res.Recorded, 1)
	assert.Equal(t, 1, res.Skipped)

	res, err = b.Record(ctx, batch[:1])
	require.NoError(t, err)
	assert.Empty(t, res.Recorded)

	w, _ := b.Snapshot().Whale(whaleAddr)
	assert.Equal(t, 1, w.TradeCount)
}

func TestBook_TradeCountMatchesLedger(t *testing.T) {
	b := newTestBook()
	_, err := b.Record(context.Background(), []domain.TradeObservation{
		buy("t1", "m1", 0.4, 2000, asOf.Add(-2*time.Hour)),
		buy("t2", "m2", 0.4, 2000, asOf.Add(-2*time.Hour)),
		sell("t3", "m1", 0.6, 2000, asOf.Add(-time.Hour)),
	})
	require.NoError(t, err)

	w, _ := b.Snapshot().Whale(whaleAddr)
	assert.Equal(t, len(b.History(whaleAddr)), w.TradeCount)
	assert.True(t, w.TotalVolume.Equal(decimal.NewFromInt(4000)), "volume %s", w.TotalVolume)
}
