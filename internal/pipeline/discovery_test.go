package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/signal"
	"github.com/alanyoungcy/polywhale/internal/whale"
)

const (
	trackedAddr = "0x1111111111111111111111111111111111111111"
	otherAddr   = "0x2222222222222222222222222222222222222222"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scriptFeed serves observations with a timestamp after the cursor.
type scriptFeed struct {
	trades []domain.TradeObservation
	err    error
	calls  []domain.TradeCursor
}

func (f *scriptFeed) Fetch(_ context.Context, cursor domain.TradeCursor, limit int) ([]domain.TradeObservation, domain.TradeCursor, error) {
	f.calls = append(f.calls, cursor)
	if f.err != nil {
		return nil, cursor, f.err
	}
	var out []domain.TradeObservation
	next := cursor
	for _, tr := range f.trades {
		if !tr.Timestamp.After(cursor.Timestamp) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, tr)
		next = domain.TradeCursor{Timestamp: tr.Timestamp, LastID: tr.ID}
	}
	return out, next, nil
}

type fakeRecorder struct {
	batches [][]domain.TradeObservation
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, batch []domain.TradeObservation) (whale.RecordResult, error) {
	if r.err != nil {
		return whale.RecordResult{}, r.err
	}
	r.batches = append(r.batches, batch)
	return whale.RecordResult{Recorded: batch}, nil
}

type whaleMap map[string]domain.Whale

func (m whaleMap) Whale(addr string) (domain.Whale, bool) {
	w, ok := m[addr]
	return w, ok
}

type fakeObserver struct {
	got     []domain.TradeObservation
	dropAll bool
}

func (o *fakeObserver) Observe(obs ...domain.TradeObservation) int {
	if o.dropAll {
		return len(obs)
	}
	o.got = append(o.got, obs...)
	return 0
}

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *memKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (k *memKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = make(map[string]string)
	}
	k.m[key] = value
	return nil
}

type memTape struct {
	paths []string
	body  []string
}

func (m *memTape) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.paths = append(m.paths, path)
	m.body = append(m.body, string(b))
	return nil
}

func (m *memTape) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func trade(id, addr string, action domain.TradeAction, at time.Time) domain.TradeObservation {
	return domain.TradeObservation{
		ID:        id,
		Address:   addr,
		MarketID:  "m1",
		Side:      domain.OutcomeYes,
		Action:    action,
		Price:     0.42,
		Size:      decimal.NewFromInt(5000),
		Timestamp: at,
	}
}

func tracked() whaleMap {
	score := 0.8
	return whaleMap{
		trackedAddr: {Address: trackedAddr, Tracked: true, QualityScore: &score},
		otherAddr:   {Address: otherAddr},
	}
}

func TestDiscovery_ForwardsCopyableBuys(t *testing.T) {
	feed := &scriptFeed{trades: []domain.TradeObservation{
		trade("a", trackedAddr, domain.ActionBuy, t0.Add(1*time.Second)),
		trade("b", trackedAddr, domain.ActionSell, t0.Add(2*time.Second)),
		trade("c", otherAddr, domain.ActionBuy, t0.Add(3*time.Second)),
	}}
	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	lookup := tracked()
	d := NewDiscovery(feed, rec, func() signal.WhaleLookup { return lookup }, obs, nil, nil, DiscoveryConfig{}, discard())

	stats, err := d.Poll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 3, stats.Recorded)
	assert.Equal(t, 1, stats.Forwarded)
	require.Len(t, obs.got, 1)
	assert.Equal(t, "a", obs.got[0].ID)
	assert.Equal(t, t0.Add(3*time.Second), d.Cursor().Timestamp)
}

func TestDiscovery_DroppedObservationsCounted(t *testing.T) {
	feed := &scriptFeed{trades: []domain.TradeObservation{
		trade("a", trackedAddr, domain.ActionBuy, t0.Add(time.Second)),
	}}
	lookup := tracked()
	d := NewDiscovery(feed, &fakeRecorder{}, func() signal.WhaleLookup { return lookup },
		&fakeObserver{dropAll: true}, nil, nil, DiscoveryConfig{}, discard())

	stats, err := d.Poll(t.Context())
	require.NoError(t, err)
	assert.Zero(t, stats.Forwarded)
	assert.Equal(t, 1, stats.Dropped)
}

func TestDiscovery_CursorSurvivesRestart(t *testing.T) {
	feed := &scriptFeed{trades: []domain.TradeObservation{
		trade("a", otherAddr, domain.ActionBuy, t0.Add(1*time.Second)),
		trade("b", otherAddr, domain.ActionBuy, t0.Add(2*time.Second)),
		trade("c", otherAddr, domain.ActionBuy, t0.Add(3*time.Second)),
	}}
	kv := &memKV{}
	cfg := DiscoveryConfig{BatchSize: 2}

	first := NewDiscovery(feed, &fakeRecorder{}, nil, nil, kv, nil, cfg, discard())
	stats, err := first.Poll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Fetched)
	assert.Contains(t, kv.m[CursorKey], `"last_id":"b"`)

	rec := &fakeRecorder{}
	restarted := NewDiscovery(feed, rec, nil, nil, kv, nil, cfg, discard())
	stats, err = restarted.Poll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fetched)
	require.Len(t, rec.batches, 1)
	assert.Equal(t, "c", rec.batches[0][0].ID)
	assert.True(t, feed.calls[1].Timestamp.Equal(t0.Add(2*time.Second)))
}

func TestDiscovery_RecordFailureHoldsCursor(t *testing.T) {
	feed := &scriptFeed{trades: []domain.TradeObservation{
		trade("a", otherAddr, domain.ActionBuy, t0.Add(time.Second)),
	}}
	kv := &memKV{}
	rec := &fakeRecorder{err: errors.New("db down")}
	d := NewDiscovery(feed, rec, nil, nil, kv, nil, DiscoveryConfig{}, discard())

	_, err := d.Poll(t.Context())
	require.Error(t, err)
	assert.True(t, d.Cursor().Timestamp.IsZero())
	assert.Empty(t, kv.m)

	rec.err = nil
	stats, err := d.Poll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recorded)
}

func TestDiscovery_FeedError(t *testing.T) {
	feed := &scriptFeed{err: domain.ErrRateLimited}
	d := NewDiscovery(feed, &fakeRecorder{}, nil, nil, nil, nil, DiscoveryConfig{}, discard())
	_, err := d.Poll(t.Context())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestDiscovery_UploadsTape(t *testing.T) {
	feed := &scriptFeed{trades: []domain.TradeObservation{
		trade("a", otherAddr, domain.ActionBuy, t0.Add(time.Second)),
	}}
	tape := &memTape{}
	d := NewDiscovery(feed, &fakeRecorder{}, nil, nil, nil, tape, DiscoveryConfig{TapePrefix: "tape"}, discard())

	_, err := d.Poll(t.Context())
	require.NoError(t, err)
	require.Len(t, tape.paths, 1)
	assert.True(t, strings.HasPrefix(tape.paths[0], "tape/2026-03-02/"))
	lines := strings.Split(strings.TrimSpace(tape.body[0]), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,id,address,market_id,side,action,price,size,transaction_hash", lines[0])
	assert.Contains(t, lines[1], ",a,"+otherAddr+",m1,")
}

func TestDiscovery_RealBookForwardsAfterTracking(t *testing.T) {
	book := whale.NewBook(
		whale.NewScorer(whale.DefaultScorerConfig()),
		whale.BookConfig{MinTradeUSD: decimal.NewFromInt(1000)},
		nil, nil, nil,
		discard(),
	)
	book.SetClock(func() time.Time { return t0 })
	ctx := t.Context()

	var history []domain.TradeObservation
	for i := 0; i < 12; i++ {
		o := trade(string(rune('a'+i)), trackedAddr, domain.ActionBuy, t0.Add(-time.Hour))
		o.MarketID = "hist" + string(rune('a'+i))
		o.Category = "politics"
		o.Price = 0.40
		o.Size = decimal.NewFromInt(2000)
		history = append(history, o)
	}
	_, err := book.Record(ctx, history)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		winner := domain.OutcomeYes
		if i >= 10 {
			winner = domain.OutcomeNo
		}
		_, err := book.Settle(ctx, "hist"+string(rune('a'+i)), winner, t0.Add(-30*time.Minute))
		require.NoError(t, err)
	}
	w, ok := book.Snapshot().Whale(trackedAddr)
	require.True(t, ok)
	require.True(t, w.Copyable())

	feed := &scriptFeed{trades: []domain.TradeObservation{
		trade("new", trackedAddr, domain.ActionBuy, t0.Add(time.Second)),
	}}
	obs := &fakeObserver{}
	d := NewDiscovery(feed, book, func() signal.WhaleLookup { return book.Snapshot() }, obs, nil, nil, DiscoveryConfig{}, discard())

	stats, err := d.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Forwarded)
	require.Len(t, obs.got, 1)
	assert.Equal(t, trackedAddr, obs.got[0].Address)
}
