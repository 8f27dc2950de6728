package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// PortfolioView is the read side of the portfolio.
type PortfolioView interface {
	Snapshot(now time.Time) domain.PortfolioSnapshot
	CheckInvariant() error
}

// SignalStatter reports signal counts.
type SignalStatter interface {
	Stats() domain.SignalStats
}

// StatusHandler serves the engine status: portfolio, invariant check and
// signal statistics.
type StatusHandler struct {
	mode      string
	portfolio PortfolioView
	signals   SignalStatter
	whales    func() int
	started   time.Time
	now       func() time.Time
}

// NewStatusHandler creates a StatusHandler. portfolio, signals and whales
// may be nil in modes that do not run them.
func NewStatusHandler(mode string, portfolio PortfolioView, signals SignalStatter, whales func() int) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		portfolio: portfolio,
		signals:   signals,
		whales:    whales,
		started:   time.Now(),
		now:       time.Now,
	}
}

type statusResponse struct {
	Mode      string                    `json:"mode"`
	Uptime    string                    `json:"uptime"`
	Portfolio *domain.PortfolioSnapshot `json:"portfolio,omitempty"`
	Invariant string                    `json:"invariant,omitempty"`
	Signals   *domain.SignalStats       `json:"signals,omitempty"`
	Whales    *int                      `json:"whales,omitempty"`
}

// GetStatus responds with the current engine status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := statusResponse{
		Mode:   h.mode,
		Uptime: now.Sub(h.started).Truncate(time.Second).String(),
	}
	if h.portfolio != nil {
		snap := h.portfolio.Snapshot(now)
		resp.Portfolio = &snap
		resp.Invariant = "ok"
		if err := h.portfolio.CheckInvariant(); err != nil {
			resp.Invariant = err.Error()
		}
	}
	if h.signals != nil {
		st := h.signals.Stats()
		resp.Signals = &st
	}
	if h.whales != nil {
		n := h.whales()
		resp.Whales = &n
	}
	writeJSON(w, http.StatusOK, resp)
}
