package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/risk"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PositionRecorder persists a newly opened position.
type PositionRecorder interface {
	Open(ctx context.Context, pos domain.Position) error
}

// OrchestratorConfig bounds a single decision cycle.
type OrchestratorConfig struct {
	// MaxCandidatesPerStrategy caps how many candidates one strategy may
	// submit per cycle. Zero means no cap.
	MaxCandidatesPerStrategy int
	// DetectTimeout bounds each strategy's Detect call.
	DetectTimeout time.Duration
}

// Orchestrator is the single decision-maker of a cycle. It polls active
// strategies, arbitrates their candidates and drives each survivor through
// risk, execution and position recording, strictly one at a time.
type Orchestrator struct {
	registry  *Registry
	risk      *risk.Manager
	sink      domain.ExecutionSink
	positions PositionRecorder
	reporter  domain.Reporter
	cfg       OrchestratorConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. positions and reporter may be nil.
func NewOrchestrator(
	registry *Registry,
	riskMgr *risk.Manager,
	sink domain.ExecutionSink,
	positions PositionRecorder,
	reporter domain.Reporter,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		risk:      riskMgr,
		sink:      sink,
		positions: positions,
		reporter:  reporter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// SetClock overrides the clock. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

type candidate struct {
	opp      domain.Opportunity
	strategy Strategy
}

// RunCycle runs one decision cycle. Cancelling ctx drops every candidate
// not yet submitted to risk; an execution already dispatched runs to
// completion under the sink's own timeout.
func (o *Orchestrator) RunCycle(ctx context.Context) (domain.CycleSummary, error) {
	start := o.now()
	sum := domain.CycleSummary{
		CycleID:     uuid.NewString(),
		StartedAt:   start,
		Rejections:  make(map[domain.RejectReason]int),
		Faults:      make(map[string]string),
		PerStrategy: make(map[string]domain.StrategyTally),
		Deployed:    decimal.Zero,
	}
	logger := o.logger.With(slog.String("cycle_id", sum.CycleID))

	active := o.registry.Active()
	cands := o.poll(ctx, active, start, &sum)
	sum.Candidates = len(cands)

	seen := make(map[string]bool, len(cands))
	for i, c := range cands {
		if ctx.Err() != nil {
			for _, rest := range cands[i:] {
				o.finish(ctx, &sum, rest, domain.ExecutionOutcome{Status: domain.OutcomeDropped, Reason: domain.RejectCancelled})
			}
			sum.Cancelled = true
			logger.WarnContext(ctx, "cycle cancelled, dropping candidates", slog.Int("dropped", len(cands)-i))
			break
		}

		key := c.opp.Key()
		if seen[key] {
			o.reject(ctx, &sum, c, domain.Reject(domain.RejectDuplicate, "market %s already evaluated this cycle", key))
			continue
		}
		seen[key] = true

		now := o.now()
		if c.opp.Expired(now) {
			o.reject(ctx, &sum, c, domain.Reject(domain.RejectExpired, "expired at %s", c.opp.ExpiresAt.Format(time.RFC3339)))
			continue
		}

		d := o.risk.SizeAndValidate(c.opp, now)
		if !d.Accepted {
			o.reject(ctx, &sum, c, d)
			continue
		}
		o.execute(ctx, &sum, c, d.Trade)
	}

	for name, t := range sum.PerStrategy {
		_, faulted := sum.Faults[name]
		o.registry.RecordRun(ctx, name, t, faulted)
	}

	sum.FinishedAt = o.now()
	logger.InfoContext(ctx, "cycle complete",
		slog.Int("candidates", sum.Candidates),
		slog.Int("executed", sum.Executed),
		slog.Int("failed", sum.Failed),
		slog.Int("dropped", sum.Dropped),
		slog.String("deployed", sum.Deployed.StringFixed(2)),
		slog.Duration("took", sum.FinishedAt.Sub(start)),
	)
	o.report(domain.ReportEvent{
		Kind:    domain.ReportCycle,
		At:      sum.FinishedAt,
		Message: fmt.Sprintf("cycle %s: %d candidates, %d executed, %d failed", sum.CycleID, sum.Candidates, sum.Executed, sum.Failed),
		Detail:  summaryDetail(sum),
	})
	return sum, nil
}

// poll runs Detect on every active strategy concurrently. A failing
// strategy is recorded as a fault and contributes no candidates.
func (o *Orchestrator) poll(ctx context.Context, active []Strategy, now time.Time, sum *domain.CycleSummary) []candidate {
	results := make([][]domain.Opportunity, len(active))
	errs := make([]error, len(active))

	var g errgroup.Group
	for i, s := range active {
		g.Go(func() error {
			results[i], errs[i] = o.detect(ctx, s, now)
			return nil
		})
	}
	_ = g.Wait()

	var out []candidate
	for i, s := range active {
		name := s.Name()
		if errs[i] != nil {
			o.fault(ctx, sum, name, errs[i])
			continue
		}
		opps := results[i]
		sortOpportunities(opps)
		if limit := o.cfg.MaxCandidatesPerStrategy; limit > 0 && len(opps) > limit {
			opps = opps[:limit]
		}
		tally := sum.PerStrategy[name]
		tally.Candidates = len(opps)
		sum.PerStrategy[name] = tally
		for _, opp := range opps {
			if opp.Strategy == "" {
				opp.Strategy = name
			}
			out = append(out, candidate{opp: opp, strategy: s})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return less(out[i].opp, out[j].opp) })
	return out
}

func (o *Orchestrator) detect(ctx context.Context, s Strategy, now time.Time) (opps []domain.Opportunity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in %s: %v", domain.ErrStrategyFault, s.Name(), r)
		}
	}()
	if o.cfg.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DetectTimeout)
		defer cancel()
	}
	opps, err = s.Detect(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrStrategyFault, s.Name(), err)
	}
	return opps, nil
}

func (o *Orchestrator) fault(ctx context.Context, sum *domain.CycleSummary, name string, err error) {
	sum.Faults[name] = err.Error()
	o.logger.WarnContext(ctx, "strategy fault",
		slog.String("strategy", name),
		slog.String("error", err.Error()),
	)
	paused := o.registry.RecordFailure(ctx, name, err)
	o.report(domain.ReportEvent{
		Kind:    domain.ReportStrategyFault,
		At:      o.now(),
		Message: fmt.Sprintf("strategy %s failed: %v", name, err),
		Detail:  map[string]any{"strategy": name},
	})
	if paused {
		o.report(domain.ReportEvent{
			Kind:    domain.ReportStrategyPaused,
			At:      o.now(),
			Message: fmt.Sprintf("strategy %s paused after repeated failures; re-enable required", name),
			Detail:  map[string]any{"strategy": name, "error": err.Error()},
		})
	}
}

func (o *Orchestrator) reject(ctx context.Context, sum *domain.CycleSummary, c candidate, d domain.Decision) {
	sum.Rejections[d.Reason]++
	o.report(domain.ReportEvent{
		Kind:    domain.ReportRejection,
		At:      o.now(),
		Message: fmt.Sprintf("%s rejected %s: %s", c.opp.Strategy, c.opp.Key(), d.Reason),
		Detail: map[string]any{
			"opportunity_id": c.opp.ID,
			"strategy":       c.opp.Strategy,
			"market":         c.opp.MarketID,
			"reason":         string(d.Reason),
			"detail":         d.Detail,
		},
	})
	o.finish(ctx, sum, c, domain.ExecutionOutcome{Status: domain.OutcomeRejected, Reason: d.Reason})
}

// execute dispatches an accepted trade. The dispatch is detached from
// cycle cancellation.
func (o *Orchestrator) execute(ctx context.Context, sum *domain.CycleSummary, c candidate, tr domain.SizedTrade) {
	dctx := context.WithoutCancel(ctx)
	req := domain.ExecutionRequest{
		OpportunityID: c.opp.ID,
		MarketID:      c.opp.MarketID,
		Side:          c.opp.Side,
		Size:          tr.Size,
		MaxPrice:      tr.MaxPrice,
	}

	fill, err := o.sink.Execute(dctx, req)
	if err != nil {
		o.executionFailed(dctx, sum, c, tr, err)
		return
	}

	pos, err := o.risk.Confirm(tr.ReservationID, fill)
	if err != nil {
		o.executionFailed(dctx, sum, c, tr, &domain.ExecutionError{Kind: domain.FailurePartial, Err: err})
		return
	}
	if fill.FilledSize.LessThan(tr.Size) {
		o.report(domain.ReportEvent{
			Kind:    domain.ReportExecutionFailed,
			At:      o.now(),
			Message: fmt.Sprintf("partial fill on %s: %s of %s", c.opp.Key(), fill.FilledSize.StringFixed(2), tr.Size.StringFixed(2)),
			Detail:  map[string]any{"opportunity_id": c.opp.ID, "kind": string(domain.FailurePartial)},
		})
	}

	if o.positions != nil {
		if err := o.positions.Open(dctx, pos); err != nil {
			o.logger.ErrorContext(dctx, "record position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	sum.Executed++
	sum.Deployed = sum.Deployed.Add(pos.Size)
	o.report(domain.ReportEvent{
		Kind:    domain.ReportExecution,
		At:      o.now(),
		Message: fmt.Sprintf("%s bought %s %s for %s at %.4f", c.opp.Strategy, c.opp.MarketID, c.opp.Side, pos.Size.StringFixed(2), pos.EntryPrice),
		Detail: map[string]any{
			"opportunity_id": c.opp.ID,
			"position_id":    pos.ID,
			"strategy":       c.opp.Strategy,
			"size":           pos.Size.StringFixed(2),
		},
	})
	o.finish(ctx, sum, c, domain.ExecutionOutcome{Status: domain.OutcomeExecuted, Position: &pos})
}

func (o *Orchestrator) executionFailed(ctx context.Context, sum *domain.CycleSummary, c candidate, tr domain.SizedTrade, err error) {
	kind := domain.FailureVenue
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		kind = ee.Kind
	}
	if rbErr := o.risk.Rollback(tr.ReservationID); rbErr != nil && !errors.Is(rbErr, domain.ErrNotFound) {
		o.logger.ErrorContext(ctx, "rollback failed",
			slog.String("reservation_id", tr.ReservationID),
			slog.String("error", rbErr.Error()),
		)
	}
	sum.Failed++
	o.logger.WarnContext(ctx, "execution failed",
		slog.String("opportunity_id", c.opp.ID),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	o.report(domain.ReportEvent{
		Kind:    domain.ReportExecutionFailed,
		At:      o.now(),
		Message: fmt.Sprintf("execution failed on %s (%s): %v", c.opp.Key(), kind, err),
		Detail:  map[string]any{"opportunity_id": c.opp.ID, "kind": string(kind)},
	})
	o.finish(ctx, sum, c, domain.ExecutionOutcome{Status: domain.OutcomeFailed, Failure: kind})
}

// finish tallies the outcome and hands it back to the producing strategy.
func (o *Orchestrator) finish(ctx context.Context, sum *domain.CycleSummary, c candidate, out domain.ExecutionOutcome) {
	name := c.strategy.Name()
	tally := sum.PerStrategy[name]
	switch out.Status {
	case domain.OutcomeExecuted:
		tally.Executed++
	case domain.OutcomeRejected:
		tally.Rejected++
	case domain.OutcomeDropped:
		sum.Dropped++
	}
	sum.PerStrategy[name] = tally

	defer func() {
		if r := recover(); r != nil {
			o.fault(ctx, sum, name, fmt.Errorf("%w: panic in OnOutcome: %v", domain.ErrStrategyFault, r))
		}
	}()
	c.strategy.OnOutcome(ctx, c.opp, out)
}

func (o *Orchestrator) report(ev domain.ReportEvent) {
	if o.reporter != nil {
		o.reporter.Report(ev)
	}
}

// less orders by confidence descending, then creation time ascending, then
// id for a total order.
func less(a, b domain.Opportunity) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortOpportunities(opps []domain.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool { return less(opps[i], opps[j]) })
}

func summaryDetail(sum domain.CycleSummary) map[string]any {
	rej := make(map[string]int, len(sum.Rejections))
	for k, v := range sum.Rejections {
		rej[string(k)] = v
	}
	return map[string]any{
		"cycle_id":   sum.CycleID,
		"candidates": sum.Candidates,
		"executed":   sum.Executed,
		"failed":     sum.Failed,
		"dropped":    sum.Dropped,
		"rejections": rej,
		"deployed":   sum.Deployed.StringFixed(2),
		"faults":     sum.Faults,
		"cancelled":  sum.Cancelled,
	}
}
