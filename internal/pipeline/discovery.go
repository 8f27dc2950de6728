// Package pipeline runs the background ingestion that feeds the whale book.
package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/signal"
	"github.com/alanyoungcy/polywhale/internal/whale"
)

// CursorKey is the kv_state key holding the discovery cursor.
const CursorKey = "discovery_cursor"

// Recorder is the write side of the whale book.
type Recorder interface {
	Record(ctx context.Context, batch []domain.TradeObservation) (whale.RecordResult, error)
}

// Observer receives buy observations of copyable whales.
type Observer interface {
	Observe(obs ...domain.TradeObservation) int
}

// DiscoveryConfig tunes one Discovery.
type DiscoveryConfig struct {
	Interval  time.Duration
	BatchSize int
	// TapePrefix, when set together with a blob writer, uploads every
	// fetched batch as CSV under this prefix.
	TapePrefix string
}

// DiscoveryStats summarises one poll.
type DiscoveryStats struct {
	Fetched   int
	Recorded  int
	Skipped   int
	Forwarded int
	Dropped   int
}

// Discovery pulls the counterparty trade feed from a restartable cursor and
// records it into the whale book. It never touches portfolio state.
type Discovery struct {
	feed     domain.TradeFeed
	book     Recorder
	whales   func() signal.WhaleLookup
	observer Observer
	kv       domain.KVStore
	tape     domain.BlobWriter
	cfg      DiscoveryConfig
	logger   *slog.Logger

	mu     sync.Mutex
	cursor domain.TradeCursor
	loaded bool
}

// NewDiscovery creates a Discovery. whales returns the book snapshot
// published after each Record. kv, tape and observer may be nil.
func NewDiscovery(
	feed domain.TradeFeed,
	book Recorder,
	whales func() signal.WhaleLookup,
	observer Observer,
	kv domain.KVStore,
	tape domain.BlobWriter,
	cfg DiscoveryConfig,
	logger *slog.Logger,
) *Discovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Discovery{
		feed:     feed,
		book:     book,
		whales:   whales,
		observer: observer,
		kv:       kv,
		tape:     tape,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "discovery")),
	}
}

// Cursor returns the position the next poll resumes from.
func (d *Discovery) Cursor() domain.TradeCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// Poll fetches one batch after the cursor, records it, forwards copyable
// buys and persists the new cursor. The cursor only advances once the book
// accepted the batch.
func (d *Discovery) Poll(ctx context.Context) (DiscoveryStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.loadCursorLocked(ctx); err != nil {
		return DiscoveryStats{}, err
	}

	batch, next, err := d.feed.Fetch(ctx, d.cursor, d.cfg.BatchSize)
	if err != nil {
		return DiscoveryStats{}, fmt.Errorf("pipeline: fetch trades: %w", err)
	}
	stats := DiscoveryStats{Fetched: len(batch)}

	if len(batch) > 0 {
		res, err := d.book.Record(ctx, batch)
		if err != nil {
			return stats, fmt.Errorf("pipeline: record trades: %w", err)
		}
		stats.Recorded = len(res.Recorded)
		stats.Skipped = res.Skipped
		stats.Forwarded, stats.Dropped = d.forward(res.Recorded)
		d.uploadTape(ctx, batch)
	}

	if next != d.cursor {
		d.cursor = next
		if err := d.saveCursorLocked(ctx); err != nil {
			return stats, err
		}
	}
	if stats.Fetched > 0 {
		d.logger.InfoContext(ctx, "trades discovered",
			slog.Int("fetched", stats.Fetched),
			slog.Int("recorded", stats.Recorded),
			slog.Int("skipped", stats.Skipped),
			slog.Int("forwarded", stats.Forwarded),
			slog.Time("cursor", d.cursor.Timestamp),
		)
	}
	return stats, nil
}

// forward hands buys of copyable whales to the observer, using the snapshot
// published by the batch that recorded them.
func (d *Discovery) forward(recorded []domain.TradeObservation) (forwarded, dropped int) {
	if d.observer == nil || d.whales == nil || len(recorded) == 0 {
		return 0, 0
	}
	snap := d.whales()
	var out []domain.TradeObservation
	for _, obs := range recorded {
		if obs.Action != domain.ActionBuy {
			continue
		}
		w, ok := snap.Whale(obs.Address)
		if !ok || !w.Copyable() {
			continue
		}
		out = append(out, obs)
	}
	if len(out) == 0 {
		return 0, 0
	}
	dropped = d.observer.Observe(out...)
	return len(out) - dropped, dropped
}

// Run polls on the configured interval until ctx is cancelled. Poll errors
// are logged and retried on the next tick.
func (d *Discovery) Run(ctx context.Context) error {
	d.logger.Info("discovery loop starting", slog.Duration("interval", d.cfg.Interval))
	if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("discovery poll failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("discovery loop stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("discovery poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

type storedCursor struct {
	Timestamp time.Time `json:"timestamp"`
	LastID    string    `json:"last_id"`
}

func (d *Discovery) loadCursorLocked(ctx context.Context) error {
	if d.loaded || d.kv == nil {
		d.loaded = true
		return nil
	}
	raw, err := d.kv.Get(ctx, CursorKey)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return fmt.Errorf("pipeline: load cursor: %w", err)
	default:
		var sc storedCursor
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			d.logger.WarnContext(ctx, "ignoring unreadable discovery cursor", slog.String("error", err.Error()))
		} else {
			d.cursor = domain.TradeCursor{Timestamp: sc.Timestamp, LastID: sc.LastID}
		}
	}
	d.loaded = true
	return nil
}

func (d *Discovery) saveCursorLocked(ctx context.Context) error {
	if d.kv == nil {
		return nil
	}
	raw, err := json.Marshal(storedCursor{Timestamp: d.cursor.Timestamp, LastID: d.cursor.LastID})
	if err != nil {
		return fmt.Errorf("pipeline: encode cursor: %w", err)
	}
	if err := d.kv.Set(ctx, CursorKey, string(raw)); err != nil {
		return fmt.Errorf("pipeline: save cursor: %w", err)
	}
	return nil
}

// uploadTape stores the raw batch. Failures are logged only; the ledger
// already holds the trades.
func (d *Discovery) uploadTape(ctx context.Context, batch []domain.TradeObservation) {
	if d.tape == nil || d.cfg.TapePrefix == "" {
		return
	}
	data, err := tradesToCSV(batch)
	if err != nil {
		d.logger.WarnContext(ctx, "encoding trade tape failed", slog.String("error", err.Error()))
		return
	}
	last := batch[len(batch)-1].Timestamp.UTC()
	path := fmt.Sprintf("%s/%s/%d.csv", d.cfg.TapePrefix, last.Format("2006-01-02"), last.UnixNano())
	if err := d.tape.Put(ctx, path, bytes.NewReader(data), "text/csv"); err != nil {
		d.logger.WarnContext(ctx, "uploading trade tape failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// tradesToCSV converts observations to CSV bytes with a header row.
func tradesToCSV(batch []domain.TradeObservation) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"timestamp",
		"id",
		"address",
		"market_id",
		"side",
		"action",
		"price",
		"size",
		"transaction_hash",
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("writing CSV header: %w", err)
	}
	for _, o := range batch {
		row := []string{
			strconv.FormatInt(o.Timestamp.Unix(), 10),
			o.ID,
			o.Address,
			o.MarketID,
			string(o.Side),
			string(o.Action),
			strconv.FormatFloat(o.Price, 'f', -1, 64),
			o.Size.String(),
			o.TxHash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing CSV writer: %w", err)
	}
	return buf.Bytes(), nil
}
