package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 3, 10, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeStrategy struct {
	name         string
	opps         []domain.Opportunity
	err          error
	panic        bool
	outcomePanic bool

	mu       sync.Mutex
	outcomes map[string]domain.ExecutionOutcome
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Detect(context.Context, time.Time) ([]domain.Opportunity, error) {
	if f.panic {
		panic("boom")
	}
	return append([]domain.Opportunity(nil), f.opps...), f.err
}

func (f *fakeStrategy) OnOutcome(_ context.Context, opp domain.Opportunity, out domain.ExecutionOutcome) {
	if f.outcomePanic {
		panic("outcome boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]domain.ExecutionOutcome)
	}
	f.outcomes[opp.ID] = out
}

func (f *fakeStrategy) outcome(id string) (domain.ExecutionOutcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.outcomes[id]
	return o, ok
}

type sinkFunc func(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error)

func (f sinkFunc) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	return f(ctx, req)
}

type recordingSink struct {
	mu   sync.Mutex
	reqs []domain.ExecutionRequest
}

func (s *recordingSink) Execute(_ context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return fullFill(req), nil
}

func fullFill(req domain.ExecutionRequest) domain.Fill {
	return domain.Fill{
		OrderID:    "ord-" + req.OpportunityID,
		Price:      0.6,
		FilledSize: req.Size,
		Shares:     req.Size.Div(decimal.NewFromFloat(0.6)),
		FilledAt:   now,
	}
}

type captureReporter struct {
	mu     sync.Mutex
	events []domain.ReportEvent
}

func (c *captureReporter) Report(ev domain.ReportEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureReporter) count(kind domain.ReportKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type capturePositions struct {
	mu  sync.Mutex
	pos []domain.Position
}

func (c *capturePositions) Open(_ context.Context, p domain.Position) error {
	c.mu.Lock()
	c.pos = append(c.pos, p)
	c.mu.Unlock()
	return nil
}

type harness struct {
	orch      *Orchestrator
	registry  *Registry
	risk      *risk.Manager
	reporter  *captureReporter
	positions *capturePositions
}

func newHarness(t *testing.T, sink domain.ExecutionSink, cfg OrchestratorConfig, strategies ...Strategy) *harness {
	t.Helper()
	mgr := risk.NewManager(risk.DefaultConfig(), risk.NewPortfolio(decimal.NewFromInt(10000)), discard())
	reg := NewRegistry(3, nil, discard())
	for _, s := range strategies {
		reg.Register(s, true)
	}
	rep := &captureReporter{}
	pos := &capturePositions{}
	o := NewOrchestrator(reg, mgr, sink, pos, rep, cfg, discard())
	o.SetClock(func() time.Time { return now })
	return &harness{orch: o, registry: reg, risk: mgr, reporter: rep, positions: pos}
}

func candidateOpp(id, strategy, market string, conf float64, created time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID:             id,
		Strategy:       strategy,
		MarketID:       market,
		Side:           domain.OutcomeYes,
		ReferencePrice: 0.6,
		Confidence:     conf,
		ExpectedReturn: 0.25,
		CreatedAt:      created,
	}
}

func TestRunCycle_DuplicateMarketKeepsHigherConfidence(t *testing.T) {
	low := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{candidateOpp("a1", "alpha", "m1", 0.65, now)}}
	high := &fakeStrategy{name: "beta", opps: []domain.Opportunity{candidateOpp("b1", "beta", "m1", 0.80, now)}}
	sink := &recordingSink{}
	h := newHarness(t, sink, OrchestratorConfig{}, low, high)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Candidates)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, sum.Rejections[domain.RejectDuplicate])
	require.Len(t, sink.reqs, 1)
	assert.Equal(t, "b1", sink.reqs[0].OpportunityID)

	out, ok := high.outcome("b1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeExecuted, out.Status)
	out, ok = low.outcome("a1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeRejected, out.Status)
	assert.Equal(t, domain.RejectDuplicate, out.Reason)
}

func TestRunCycle_OrdersByConfidenceThenAge(t *testing.T) {
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{
		candidateOpp("newer", "alpha", "m1", 0.7, now),
		candidateOpp("best", "alpha", "m2", 0.9, now),
		candidateOpp("older", "alpha", "m3", 0.7, now.Add(-time.Minute)),
	}}
	sink := &recordingSink{}
	h := newHarness(t, sink, OrchestratorConfig{}, s)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Executed)

	var order []string
	for _, r := range sink.reqs {
		order = append(order, r.OpportunityID)
	}
	assert.Equal(t, []string{"best", "older", "newer"}, order)

	snap := h.risk.Portfolio().Snapshot(now)
	assert.True(t, snap.Deployed.Equal(sum.Deployed))
	assert.True(t, sum.Deployed.LessThanOrEqual(decimal.NewFromInt(10000)))
	require.NoError(t, h.risk.Portfolio().CheckInvariant())
	assert.Len(t, h.positions.pos, 3)
}

func TestRunCycle_ExecutionFailureRollsBack(t *testing.T) {
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{candidateOpp("a1", "alpha", "m1", 0.8, now)}}
	sink := sinkFunc(func(context.Context, domain.ExecutionRequest) (domain.Fill, error) {
		return domain.Fill{}, &domain.ExecutionError{Kind: domain.FailureTimeout, Err: context.DeadlineExceeded}
	})
	h := newHarness(t, sink, OrchestratorConfig{}, s)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Executed)

	snap := h.risk.Portfolio().Snapshot(now)
	assert.True(t, snap.Available.Equal(decimal.NewFromInt(10000)), "available %s", snap.Available)
	assert.True(t, snap.Deployed.IsZero())
	assert.Empty(t, h.positions.pos)

	out, _ := s.outcome("a1")
	assert.Equal(t, domain.OutcomeFailed, out.Status)
	assert.Equal(t, domain.FailureTimeout, out.Failure)
	assert.Equal(t, 1, h.reporter.count(domain.ReportExecutionFailed))
}

func TestRunCycle_PartialFillKeepsFilledPart(t *testing.T) {
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{candidateOpp("a1", "alpha", "m1", 0.8, now)}}
	sink := sinkFunc(func(_ context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
		f := fullFill(req)
		f.FilledSize = req.Size.Div(decimal.NewFromInt(2))
		f.Shares = f.FilledSize.Div(decimal.NewFromFloat(0.6))
		return f, nil
	})
	h := newHarness(t, sink, OrchestratorConfig{}, s)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Executed)
	// Kelly gives 1500, capped at the 1000 market limit; half of it fills.
	assert.True(t, sum.Deployed.Equal(decimal.NewFromInt(500)), "deployed %s", sum.Deployed)
	snap := h.risk.Portfolio().Snapshot(now)
	assert.True(t, snap.Available.Equal(decimal.NewFromInt(9500)), "available %s", snap.Available)
	require.NoError(t, h.risk.Portfolio().CheckInvariant())
	assert.Equal(t, 1, h.reporter.count(domain.ReportExecutionFailed))
}

func TestRunCycle_RiskRejectionReachesStrategy(t *testing.T) {
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{candidateOpp("a1", "alpha", "m1", 0.5, now)}}
	sink := &recordingSink{}
	h := newHarness(t, sink, OrchestratorConfig{}, s)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rejections[domain.RejectNoEdge])
	assert.Empty(t, sink.reqs)
	out, _ := s.outcome("a1")
	assert.Equal(t, domain.RejectNoEdge, out.Reason)

	info, err := h.registry.Info("alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Rejected)
	assert.EqualValues(t, 1, info.Candidates)
}

func TestRunCycle_ExpiredCandidateRejected(t *testing.T) {
	past := now.Add(-time.Second)
	o := candidateOpp("a1", "alpha", "m1", 0.8, now.Add(-time.Hour))
	o.ExpiresAt = &past
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{o}}
	sink := &recordingSink{}
	h := newHarness(t, sink, OrchestratorConfig{}, s)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rejections[domain.RejectExpired])
	assert.Empty(t, sink.reqs)
}

func TestRunCycle_MaxCandidatesPerStrategy(t *testing.T) {
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{
		candidateOpp("c", "alpha", "m3", 0.70, now),
		candidateOpp("a", "alpha", "m1", 0.90, now),
		candidateOpp("b", "alpha", "m2", 0.80, now),
	}}
	sink := &recordingSink{}
	h := newHarness(t, sink, OrchestratorConfig{MaxCandidatesPerStrategy: 2}, s)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Candidates)
	_, seen := s.outcome("c")
	assert.False(t, seen)
}

func TestRunCycle_PausesAfterConsecutiveFaults(t *testing.T) {
	bad := &fakeStrategy{name: "bad", err: errors.New("feed down")}
	good := &fakeStrategy{name: "good", opps: []domain.Opportunity{candidateOpp("g1", "good", "m1", 0.8, now)}}
	h := newHarness(t, &recordingSink{}, OrchestratorConfig{}, bad, good)

	for i := 0; i < 3; i++ {
		sum, err := h.orch.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Contains(t, sum.Faults["bad"], "feed down")
		assert.Equal(t, 1, sum.Executed, "healthy strategy still trades on cycle %d", i)
	}
	info, err := h.registry.Info("bad")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, info.Status)
	assert.Equal(t, 1, h.reporter.count(domain.ReportStrategyPaused))
	assert.Equal(t, 3, h.reporter.count(domain.ReportStrategyFault))

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, sum.Faults, "bad")

	require.NoError(t, h.registry.Enable(context.Background(), "bad"))
	info, _ = h.registry.Info("bad")
	assert.Equal(t, StatusActive, info.Status)
	assert.Zero(t, info.ConsecutiveFailures)
}

func TestRunCycle_PanicIsFault(t *testing.T) {
	bad := &fakeStrategy{name: "bad", panic: true}
	good := &fakeStrategy{name: "good", opps: []domain.Opportunity{candidateOpp("g1", "good", "m1", 0.8, now)}}
	h := newHarness(t, &recordingSink{}, OrchestratorConfig{}, bad, good)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sum.Faults["bad"], "boom")
	assert.Equal(t, 1, sum.Executed)

	info, _ := h.registry.Info("bad")
	assert.Equal(t, 1, info.ConsecutiveFailures)
	assert.Equal(t, StatusActive, info.Status)
}

func TestRunCycle_OutcomePanicsPauseStrategy(t *testing.T) {
	bad := &fakeStrategy{name: "bad", outcomePanic: true,
		opps: []domain.Opportunity{candidateOpp("b1", "bad", "m1", 0.8, now)}}
	h := newHarness(t, &recordingSink{}, OrchestratorConfig{}, bad)

	for i := 0; i < 3; i++ {
		sum, err := h.orch.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Contains(t, sum.Faults["bad"], "outcome boom", "cycle %d", i)
	}
	info, err := h.registry.Info("bad")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, info.Status)
	assert.Equal(t, 1, h.reporter.count(domain.ReportStrategyPaused))
}

func TestRunCycle_CancellationDropsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dispatchErr error
	calls := 0
	sink := sinkFunc(func(dctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
		calls++
		cancel()
		dispatchErr = dctx.Err()
		return fullFill(req), nil
	})
	s := &fakeStrategy{name: "alpha", opps: []domain.Opportunity{
		candidateOpp("first", "alpha", "m1", 0.9, now),
		candidateOpp("second", "alpha", "m2", 0.8, now),
	}}
	h := newHarness(t, sink, OrchestratorConfig{}, s)

	sum, err := h.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 1, calls)
	assert.NoError(t, dispatchErr, "dispatched execution must not see cycle cancellation")
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, sum.Dropped)

	out, _ := s.outcome("second")
	assert.Equal(t, domain.OutcomeDropped, out.Status)
	require.NoError(t, h.risk.Portfolio().CheckInvariant())
}

func TestRunCycle_NoStrategies(t *testing.T) {
	h := newHarness(t, &recordingSink{}, OrchestratorConfig{})
	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Candidates)
	assert.Equal(t, 1, h.reporter.count(domain.ReportCycle))
}
