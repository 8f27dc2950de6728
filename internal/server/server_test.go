package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/risk"
	"github.com/alanyoungcy/polywhale/internal/server/handler"
	"github.com/alanyoungcy/polywhale/internal/strategy"
	"github.com/alanyoungcy/polywhale/internal/whale"
)

const whaleAddr = "0x1111111111111111111111111111111111111111"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type idleStrategy struct{ name string }

func (s idleStrategy) Name() string { return s.name }

func (s idleStrategy) Detect(context.Context, time.Time) ([]domain.Opportunity, error) {
	return nil, nil
}

func (s idleStrategy) OnOutcome(context.Context, domain.Opportunity, domain.ExecutionOutcome) {}

type staticSignals []domain.Signal

func (s staticSignals) List() []domain.Signal { return s }

func (s staticSignals) Get(id string) (domain.Signal, bool) {
	for _, sig := range s {
		if sig.ID == id {
			return sig, true
		}
	}
	return domain.Signal{}, false
}

func (s staticSignals) Stats() domain.SignalStats {
	st := domain.SignalStats{Total: len(s), ByState: map[domain.SignalState]int{}}
	for _, sig := range s {
		st.ByState[sig.State]++
	}
	return st
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	handler  http.Handler
	registry *strategy.Registry
}

func newFixture(t *testing.T, apiKey string, checks map[string]handler.Pinger) fixture {
	t.Helper()
	logger := discard()

	registry := strategy.NewRegistry(3, nil, logger)
	registry.Register(idleStrategy{name: "near_certain"}, true)
	registry.Register(idleStrategy{name: "whale_replication"}, false)

	book := whale.NewBook(whale.NewScorer(whale.DefaultScorerConfig()),
		whale.BookConfig{MinTradeUSD: decimal.NewFromInt(1000)}, nil, nil, nil, logger)
	_, err := book.Record(t.Context(), []domain.TradeObservation{{
		ID:        "t1",
		Address:   whaleAddr,
		MarketID:  "m1",
		Side:      domain.OutcomeYes,
		Action:    domain.ActionBuy,
		Price:     0.4,
		Size:      decimal.NewFromInt(5000),
		Timestamp: time.Now(),
	}})
	require.NoError(t, err)

	signals := staticSignals{
		{ID: "s1", State: domain.SignalPending, MarketID: "m1"},
		{ID: "s2", State: domain.SignalCopyable, MarketID: "m2"},
	}
	portfolio := risk.NewPortfolio(decimal.NewFromInt(10000))

	h := NewHandler(Config{APIKey: apiKey}, Handlers{
		Health:     handler.NewHealthHandler(checks, logger),
		Status:     handler.NewStatusHandler("full", portfolio, signals, func() int { return book.Snapshot().Len() }),
		Strategies: handler.NewStrategyHandler(registry, logger),
		Positions:  handler.NewPositionHandler(portfolio, nil, nil, logger),
		Signals:    handler.NewSignalHandler(signals, nil, logger),
		Whales:     handler.NewWhaleHandler(book, logger),
	}, logger)
	return fixture{handler: h, registry: registry}
}

func (f fixture) do(t *testing.T, method, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "secret", map[string]handler.Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
	})
	rec, body := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
	assert.Equal(t, "ok", body["status"])

	f = newFixture(t, "", map[string]handler.Pinger{
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec, body = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, "secret", nil)

	rec, _ := f.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/status", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/status", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, "", nil)
	rec, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, "ok", body["invariant"])
	assert.EqualValues(t, 1, body["whales"])

	signals := body["signals"].(map[string]any)
	assert.EqualValues(t, 2, signals["total"])
	portfolio := body["portfolio"].(map[string]any)
	assert.Equal(t, "10000", portfolio["available"])
}

func TestStrategyLifecycle(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/api/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["strategies"], 2)

	rec, body = f.do(t, http.MethodPost, "/api/strategies/near_certain/pause?reason=maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", body["status"])
	assert.Equal(t, "maintenance", body["last_error"])

	rec, _ = f.do(t, http.MethodPost, "/api/strategies/whale_replication/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a disabled strategy cannot be paused")

	rec, body = f.do(t, http.MethodPost, "/api/strategies/near_certain/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", body["status"])
	assert.Len(t, f.registry.Active(), 1)

	rec, _ = f.do(t, http.MethodPost, "/api/strategies/missing/disable", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignals(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/api/signals?state=copyable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["signals"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].(map[string]any)["id"])

	rec, _ = f.do(t, http.MethodGet, "/api/signals/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/signals?history=true", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no signal store configured")
}

func TestWhales(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/api/whales", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["whales"], "unscored whales are not tracked")

	rec, body = f.do(t, http.MethodGet, "/api/whales?all=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, _ = f.do(t, http.MethodGet, "/api/whales/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/whales/"+whaleAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["ledger"], 1)

	rec, _ = f.do(t, http.MethodGet, "/api/whales/0x2222222222222222222222222222222222222222", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositions(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["positions"])

	rec, _ = f.do(t, http.MethodGet, "/api/positions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/positions/p1/close", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := NewHandler(Config{RatePerSec: 0.001, RateBurst: 2}, Handlers{
		Health: handler.NewHealthHandler(nil, discard()),
	}, discard())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}
