package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/strategy"
)

// StrategyRegistry is the lifecycle surface of the strategy registry.
type StrategyRegistry interface {
	ListInfo() []strategy.StrategyInfo
	Info(name string) (strategy.StrategyInfo, error)
	Enable(ctx context.Context, name string) error
	Pause(ctx context.Context, name, reason string) error
	Disable(ctx context.Context, name string) error
}

// StrategyHandler serves strategy status and lifecycle endpoints.
type StrategyHandler struct {
	registry StrategyRegistry
	logger   *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(registry StrategyRegistry, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		registry: registry,
		logger:   logHandler(logger, "strategy"),
	}
}

type listStrategiesResponse struct {
	Strategies []strategy.StrategyInfo `json:"strategies"`
}

// ListStrategies returns runtime info for every registered strategy.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.ListInfo()
	if infos == nil {
		infos = []strategy.StrategyInfo{}
	}
	writeJSON(w, http.StatusOK, listStrategiesResponse{Strategies: infos})
}

// Enable re-enables a paused or disabled strategy.
// POST /api/strategies/{name}/enable
func (h *StrategyHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, name string) error {
		return h.registry.Enable(ctx, name)
	})
}

// Pause pauses an active strategy. An optional ?reason= is recorded.
// POST /api/strategies/{name}/pause
func (h *StrategyHandler) Pause(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "paused by operator"
	}
	h.transition(w, r, func(ctx context.Context, name string) error {
		return h.registry.Pause(ctx, name, reason)
	})
}

// Disable disables a strategy.
// POST /api/strategies/{name}/disable
func (h *StrategyHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, name string) error {
		return h.registry.Disable(ctx, name)
	})
}

func (h *StrategyHandler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	name := r.PathValue("name")
	if err := apply(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "strategy not found")
		case errors.Is(err, strategy.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "strategy transition failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to update strategy")
		}
		return
	}
	info, err := h.registry.Info(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	h.logger.InfoContext(r.Context(), "strategy status changed",
		slog.String("name", name),
		slog.String("status", string(info.Status)),
	)
	writeJSON(w, http.StatusOK, info)
}
