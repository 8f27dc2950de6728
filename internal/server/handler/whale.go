package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/whale"
)

// WhaleBook is the read side of the whale book.
type WhaleBook interface {
	Snapshot() *whale.Snapshot
	History(address string) []domain.LedgerEntry
}

// WhaleHandler serves counterparty profiles.
type WhaleHandler struct {
	book   WhaleBook
	logger *slog.Logger
}

// NewWhaleHandler creates a WhaleHandler.
func NewWhaleHandler(book WhaleBook, logger *slog.Logger) *WhaleHandler {
	return &WhaleHandler{book: book, logger: logHandler(logger, "whale")}
}

type listWhalesResponse struct {
	Whales  []domain.Whale `json:"whales"`
	Total   int            `json:"total"`
	BuiltAt string         `json:"built_at"`
}

// ListWhales returns whales ordered by score, tracked ones only unless
// ?all=true.
// GET /api/whales
func (h *WhaleHandler) ListWhales(w http.ResponseWriter, r *http.Request) {
	snap := h.book.Snapshot()
	trackedOnly := r.URL.Query().Get("all") != "true"
	whales := snap.List(trackedOnly)
	writeJSON(w, http.StatusOK, listWhalesResponse{
		Whales:  page(whales, parseListOpts(r)),
		Total:   len(whales),
		BuiltAt: snap.BuiltAt().UTC().Format(time.RFC3339),
	})
}

type whaleDetailResponse struct {
	Whale  domain.Whale         `json:"whale"`
	Ledger []domain.LedgerEntry `json:"ledger"`
}

// GetWhale returns one whale and its trade ledger.
// GET /api/whales/{address}
func (h *WhaleHandler) GetWhale(w http.ResponseWriter, r *http.Request) {
	addr, err := whale.NormalizeAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	wh, ok := h.book.Snapshot().Whale(addr)
	if !ok {
		writeError(w, http.StatusNotFound, "whale not found")
		return
	}
	ledger := h.book.History(addr)
	if ledger == nil {
		ledger = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, whaleDetailResponse{Whale: wh, Ledger: ledger})
}
