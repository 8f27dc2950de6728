package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// OpenPositions lists the positions currently held.
type OpenPositions interface {
	Positions() []domain.Position
}

// PositionCloser closes one open position at market.
type PositionCloser interface {
	Close(ctx context.Context, positionID string) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	open    OpenPositions
	history domain.PositionStore
	closer  PositionCloser
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history and closer may be
// nil; the matching endpoints then answer 404 and 503.
func NewPositionHandler(open OpenPositions, history domain.PositionStore, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		open:    open,
		history: history,
		closer:  closer,
		logger:  logHandler(logger, "position"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns open positions, or closed ones with ?status=closed.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var positions []domain.Position
	switch r.URL.Query().Get("status") {
	case "", string(domain.PositionStatusOpen):
		positions = page(h.open.Positions(), opts)
	case string(domain.PositionStatusClosed):
		if h.history == nil {
			writeError(w, http.StatusNotFound, "position history is not stored")
			return
		}
		var err error
		positions, err = h.history.ListClosed(r.Context(), opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list closed positions failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list positions")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ClosePosition closes an open position at the current market price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusServiceUnavailable, "position monitor is not running")
		return
	}
	id := r.PathValue("id")
	pos, err := h.closer.Close(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "open position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "close position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to close position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
