package domain

import "time"

// ReportKind names a reporting event.
type ReportKind string

const (
	ReportCycle           ReportKind = "cycle_summary"
	ReportRejection       ReportKind = "rejection"
	ReportExecution       ReportKind = "execution"
	ReportExecutionFailed ReportKind = "execution_failed"
	ReportStrategyPaused  ReportKind = "strategy_paused"
	ReportStrategyFault   ReportKind = "strategy_fault"
	ReportPositionClosed  ReportKind = "position_closed"
	ReportWhaleTracked    ReportKind = "whale_tracked"
)

// ReportEvent is a fire-and-forget record sent to the reporting sink.
type ReportEvent struct {
	Kind    ReportKind     `json:"kind"`
	At      time.Time      `json:"at"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Reporter accepts events without blocking the caller.
type Reporter interface {
	Report(ev ReportEvent)
}
