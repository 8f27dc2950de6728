package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type venueFunc func(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error)

func (f venueFunc) PlaceOrder(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	return f(ctx, req)
}

func request(id string) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		OpportunityID: id,
		MarketID:      "m1",
		Side:          domain.OutcomeYes,
		Size:          decimal.NewFromInt(100),
		MaxPrice:      0.62,
	}
}

func okFill(req domain.ExecutionRequest) domain.Fill {
	return domain.Fill{OrderID: "o1", Price: 0.6, FilledSize: req.Size, Shares: req.Size.Div(decimal.NewFromFloat(0.6))}
}

func fastConfig() Config {
	return Config{Timeout: 50 * time.Millisecond, MaxRetries: 2, RetryBackoff: time.Millisecond, DedupTTL: time.Minute}
}

func TestExecutor_DuplicateAfterFill(t *testing.T) {
	var calls atomic.Int32
	v := venueFunc(func(_ context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
		calls.Add(1)
		return okFill(req), nil
	})
	e := NewExecutor(v, fastConfig(), discard())

	_, err := e.Execute(context.Background(), request("a"))
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), request("a"))
	var ee *domain.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.FailureDuplicate, ee.Kind)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecutor_RetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	v := venueFunc(func(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
		if calls.Add(1) < 3 {
			<-ctx.Done()
			return domain.Fill{}, ctx.Err()
		}
		return okFill(req), nil
	})
	e := NewExecutor(v, fastConfig(), discard())

	fill, err := e.Execute(context.Background(), request("a"))
	require.NoError(t, err)
	assert.Equal(t, "o1", fill.OrderID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestExecutor_NonRetryableFailsOnce(t *testing.T) {
	var calls atomic.Int32
	v := venueFunc(func(context.Context, domain.ExecutionRequest) (domain.Fill, error) {
		calls.Add(1)
		return domain.Fill{}, &domain.ExecutionError{Kind: domain.FailureRejected, Err: errors.New("insufficient liquidity")}
	})
	e := NewExecutor(v, fastConfig(), discard())

	_, err := e.Execute(context.Background(), request("a"))
	var ee *domain.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.FailureRejected, ee.Kind)
	assert.EqualValues(t, 1, calls.Load())

	// A failed dispatch may be retried later.
	assert.Zero(t, e.dedup.Len())
}

func TestExecutor_UnknownErrorIsVenueError(t *testing.T) {
	v := venueFunc(func(context.Context, domain.ExecutionRequest) (domain.Fill, error) {
		return domain.Fill{}, errors.New("connection reset")
	})
	cfg := fastConfig()
	cfg.MaxRetries = 0
	e := NewExecutor(v, cfg, discard())

	_, err := e.Execute(context.Background(), request("a"))
	var ee *domain.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.FailureVenue, ee.Kind)
}

func TestExecutor_FillAboveLimitIsPriceMoved(t *testing.T) {
	v := venueFunc(func(_ context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
		f := okFill(req)
		f.Price = 0.65
		return f, nil
	})
	e := NewExecutor(v, fastConfig(), discard())

	_, err := e.Execute(context.Background(), request("a"))
	var ee *domain.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.FailurePriceMoved, ee.Kind)
}

func TestDedup_TTL(t *testing.T) {
	d := NewDedup(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	assert.False(t, d.IsDuplicate("x"))
	assert.True(t, d.IsDuplicate("x"))

	d.now = func() time.Time { return base.Add(time.Minute) }
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.False(t, d.IsDuplicate("x"))
}

type staticPrice float64

func (p staticPrice) Price(context.Context, string, domain.Outcome) (float64, error) {
	return float64(p), nil
}

func TestPaperVenue(t *testing.T) {
	ctx := context.Background()

	fill, err := NewPaperVenue(staticPrice(0.60), 0.01, 0).PlaceOrder(ctx, request("a"))
	require.NoError(t, err)
	assert.InDelta(t, 0.606, fill.Price, 1e-9)
	assert.True(t, fill.FilledSize.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, fill.OrderID)

	_, err = NewPaperVenue(staticPrice(0.63), 0, 0).PlaceOrder(ctx, request("b"))
	var ee *domain.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.FailurePriceMoved, ee.Kind)

	fill, err = NewPaperVenue(staticPrice(0.60), 0, 0.5).PlaceOrder(ctx, request("c"))
	require.NoError(t, err)
	assert.True(t, fill.FilledSize.Equal(decimal.NewFromInt(50)))
}
