package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// SignalSource lists the signals held in memory.
type SignalSource interface {
	List() []domain.Signal
	Get(id string) (domain.Signal, bool)
}

// SignalHandler serves whale-copy signals.
type SignalHandler struct {
	live    SignalSource
	history domain.SignalStore
	logger  *slog.Logger
}

// NewSignalHandler creates a SignalHandler. history may be nil.
func NewSignalHandler(live SignalSource, history domain.SignalStore, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{live: live, history: history, logger: logHandler(logger, "signal")}
}

type listSignalsResponse struct {
	Signals []domain.Signal `json:"signals"`
}

// ListSignals returns live signals, optionally filtered by ?state=. With
// ?history=true it reads recent signals from the store instead.
// GET /api/signals
func (h *SignalHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	if q.Get("history") == "true" {
		if h.history == nil {
			writeError(w, http.StatusNotFound, "signal history is not stored")
			return
		}
		signals, err := h.history.ListRecent(r.Context(), opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list signal history failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list signals")
			return
		}
		if signals == nil {
			signals = []domain.Signal{}
		}
		writeJSON(w, http.StatusOK, listSignalsResponse{Signals: signals})
		return
	}

	state := domain.SignalState(q.Get("state"))
	var out []domain.Signal
	for _, s := range h.live.List() {
		if state != "" && s.State != state {
			continue
		}
		out = append(out, s)
	}
	out = page(out, opts)
	writeJSON(w, http.StatusOK, listSignalsResponse{Signals: out})
}

// GetSignal returns one live signal.
// GET /api/signals/{id}
func (h *SignalHandler) GetSignal(w http.ResponseWriter, r *http.Request) {
	s, ok := h.live.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "signal not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
