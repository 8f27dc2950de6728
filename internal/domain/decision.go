package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RejectReason is a stable machine-readable code for a declined candidate.
type RejectReason string

const (
	RejectNoEdge         RejectReason = "no_edge"
	RejectMarketExposure RejectReason = "market_exposure"
	RejectDailyLoss      RejectReason = "daily_loss_limit"
	RejectWeeklyLoss     RejectReason = "weekly_loss_limit"
	RejectCost           RejectReason = "cost_exceeds_profit"
	RejectMinSize        RejectReason = "below_minimum_size"
	RejectAllocation     RejectReason = "strategy_allocation"
	RejectDuplicate      RejectReason = "duplicate"
	RejectExpired        RejectReason = "expired"
	RejectCancelled      RejectReason = "cycle_cancelled"
)

// SizedTrade is an opportunity that passed every risk gate, together with
// the capital reserved for it.
type SizedTrade struct {
	ReservationID string
	Opportunity   Opportunity
	Size          decimal.Decimal
	Kelly         float64
	MaxPrice      float64
	EstimatedCost decimal.Decimal
	ReservedAt    time.Time
}

// Decision is the result of sizing and validating one opportunity.
// A rejection is a normal value, never an error.
type Decision struct {
	Accepted bool
	Trade    SizedTrade
	Reason   RejectReason
	Detail   string
}

// Reject builds a rejected decision.
func Reject(reason RejectReason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ExecutionRequest is what the orchestrator hands to the execution sink.
type ExecutionRequest struct {
	OpportunityID string
	MarketID      string
	Side          Outcome
	Size          decimal.Decimal
	MaxPrice      float64
}

// Fill is a confirmed execution.
type Fill struct {
	OrderID    string
	Price      float64
	FilledSize decimal.Decimal
	Shares     decimal.Decimal
	FilledAt   time.Time
}

// ExecutionFailureKind classifies a failed execution.
type ExecutionFailureKind string

const (
	FailureRejected   ExecutionFailureKind = "rejected"
	FailureTimeout    ExecutionFailureKind = "timeout"
	FailurePriceMoved ExecutionFailureKind = "price_moved"
	FailurePartial    ExecutionFailureKind = "partial_fill"
	FailureDuplicate  ExecutionFailureKind = "duplicate"
	FailureVenue      ExecutionFailureKind = "venue_error"
)

// ExecutionError is returned by execution sinks on failure.
type ExecutionError struct {
	Kind ExecutionFailureKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return "execution failed: " + string(e.Kind)
	}
	return fmt.Sprintf("execution failed: %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may be retried immediately.
func (e *ExecutionError) Retryable() bool {
	return e.Kind == FailureTimeout || e.Kind == FailureVenue
}

// OutcomeStatus is the final status of an opportunity within a cycle.
type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "executed"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeDropped  OutcomeStatus = "dropped"
)

// ExecutionOutcome is reported back to the strategy that produced an
// opportunity.
type ExecutionOutcome struct {
	Status   OutcomeStatus
	Reason   RejectReason
	Failure  ExecutionFailureKind
	Position *Position
}

// CycleSummary describes one orchestrator cycle.
type CycleSummary struct {
	CycleID     string                   `json:"cycle_id"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Candidates  int                      `json:"candidates"`
	Executed    int                      `json:"executed"`
	Failed      int                      `json:"failed"`
	Dropped     int                      `json:"dropped"`
	Rejections  map[RejectReason]int     `json:"rejections"`
	Deployed    decimal.Decimal          `json:"deployed"`
	Faults      map[string]string        `json:"faults,omitempty"`
	PerStrategy map[string]StrategyTally `json:"per_strategy"`
	Cancelled   bool                     `json:"cancelled"`
}

// StrategyTally counts per-strategy results inside a cycle.
type StrategyTally struct {
	Candidates int `json:"candidates"`
	Executed   int `json:"executed"`
	Rejected   int `json:"rejected"`
}
