package whale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Snapshot is an immutable view of every known whale. Readers hold a
// snapshot for as long as they like; writers publish a new one.
type Snapshot struct {
	whales  map[string]domain.Whale
	builtAt time.Time
}

// Whale returns the whale with the given canonical address.
func (s *Snapshot) Whale(address string) (domain.Whale, bool) {
	w, ok := s.whales[address]
	return w, ok
}

// Len returns the number of whales in the snapshot.
func (s *Snapshot) Len() int { return len(s.whales) }

// BuiltAt returns when the snapshot was published.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// List returns whales ordered by score descending, then address.
func (s *Snapshot) List(trackedOnly bool) []domain.Whale {
	out := make([]domain.Whale, 0, len(s.whales))
	for _, w := range s.whales {
		if trackedOnly && !w.Tracked {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// BookConfig controls which trades create whales.
type BookConfig struct {
	// MinTradeUSD is the notional a trade needs to create a new whale.
	// Trades by known whales are always recorded.
	MinTradeUSD decimal.Decimal
}

// RecordResult describes one Record batch.
type RecordResult struct {
	// Recorded holds the observations written to the ledger, with
	// canonical addresses.
	Recorded []domain.TradeObservation
	Rescored int
	Skipped  int
}

// Book is the single write path for counterparty data. Writes are
// serialised by mu and every batch ends with a new Snapshot, so readers
// never see a half-applied batch.
type Book struct {
	mu         sync.Mutex
	whales     map[string]*domain.Whale
	ledger     map[string][]domain.LedgerEntry
	lastPrice  map[string]float64
	seen       map[string]bool
	snap       atomic.Pointer[Snapshot]
	scorer     *Scorer
	cfg        BookConfig
	whaleStore domain.WhaleStore
	ledgerDB   domain.LedgerStore
	reporter   domain.Reporter
	logger     *slog.Logger
	now        func() time.Time
}

// NewBook creates an empty Book. Stores and reporter may be nil.
func NewBook(
	scorer *Scorer,
	cfg BookConfig,
	whaleStore domain.WhaleStore,
	ledgerDB domain.LedgerStore,
	reporter domain.Reporter,
	logger *slog.Logger,
) *Book {
	b := &Book{
		whales:     make(map[string]*domain.Whale),
		ledger:     make(map[string][]domain.LedgerEntry),
		lastPrice:  make(map[string]float64),
		seen:       make(map[string]bool),
		scorer:     scorer,
		cfg:        cfg,
		whaleStore: whaleStore,
		ledgerDB:   ledgerDB,
		reporter:   reporter,
		logger:     logger.With(slog.String("component", "whale_book")),
		now:        time.Now,
	}
	b.snap.Store(&Snapshot{whales: map[string]domain.Whale{}, builtAt: b.now()})
	return b
}

// SetClock overrides the clock. Intended for tests.
func (b *Book) SetClock(now func() time.Time) { b.now = now }

// Snapshot returns the latest published snapshot.
func (b *Book) Snapshot() *Snapshot { return b.snap.Load() }

// History returns a copy of the ledger of one whale.
func (b *Book) History(address string) []domain.LedgerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.LedgerEntry(nil), b.ledger[address]...)
}

// OpenMarkets returns the markets that still have open ledger entries,
// sorted.
func (b *Book) OpenMarkets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	for _, entries := range b.ledger {
		for _, e := range entries {
			if !e.Closed() {
				seen[e.MarketID] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Load rebuilds the book from persistent storage.
func (b *Book) Load(ctx context.Context) error {
	if b.whaleStore == nil || b.ledgerDB == nil {
		return nil
	}
	whales, err := b.whaleStore.List(ctx, false, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("whale: load whales: %w", err)
	}
	entries, err := b.ledgerDB.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("whale: load ledger: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range whales {
		w := whales[i]
		b.whales[w.Address] = &w
	}
	for _, e := range entries {
		b.ledger[e.Address] = append(b.ledger[e.Address], e)
		b.seen[e.ID] = true
	}
	for addr := range b.ledger {
		sortLedger(b.ledger[addr])
	}
	b.publishLocked()
	b.logger.InfoContext(ctx, "whale book loaded",
		slog.Int("whales", len(whales)),
		slog.Int("ledger_entries", len(entries)),
	)
	return nil
}

// Record appends a batch of observations. Buys open ledger entries, sells
// close the oldest open entry for the same market and side. Every touched
// whale is rescored and one snapshot is published for the batch.
//
// A batch is all or nothing: when persisting fails the in-memory book is
// restored, so the caller can retry the same batch. Observations whose ID
// was already recorded are skipped.
func (b *Book) Record(ctx context.Context, batch []domain.TradeObservation) (RecordResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res RecordResult
	u := newUndo()
	touched := make(map[string]bool)
	inBatch := make(map[string]bool)
	var opened []domain.LedgerEntry
	var closed []domain.LedgerEntry

	for _, obs := range batch {
		addr, err := NormalizeAddress(obs.Address)
		if err != nil || !obs.Side.Valid() || obs.Price <= 0 {
			res.Skipped++
			continue
		}
		if obs.ID != "" && (b.seen[obs.ID] || inBatch[obs.ID]) {
			res.Skipped++
			continue
		}
		obs.Address = addr
		priceKey := obs.MarketID + ":" + string(obs.Side)
		prior, hasPrior := b.lastPrice[priceKey]
		u.savePrice(b, priceKey)
		b.lastPrice[priceKey] = obs.Price

		w, known := b.whales[addr]
		if !known && (obs.Action != domain.ActionBuy || obs.Size.LessThan(b.cfg.MinTradeUSD)) {
			res.Skipped++
			continue
		}
		u.saveWhale(b, addr)
		if !known {
			w = &domain.Whale{
				Address:        addr,
				Nickname:       obs.Nickname,
				Classification: domain.ClassUnscored,
				FirstSeen:      obs.Timestamp,
			}
			b.whales[addr] = w
		}

		if obs.Timestamp.After(w.LastSeen) {
			w.LastSeen = obs.Timestamp
		}
		if w.Nickname == "" {
			w.Nickname = obs.Nickname
		}

		switch obs.Action {
		case domain.ActionBuy:
			w.TotalVolume = w.TotalVolume.Add(obs.Size)
			w.TradeCount++
			e := domain.LedgerEntry{
				ID:         obs.ID,
				Address:    addr,
				MarketID:   obs.MarketID,
				Category:   obs.Category,
				Side:       obs.Side,
				EntryPrice: obs.Price,
				Size:       obs.Size,
				EnteredAt:  obs.Timestamp,
			}
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if hasPrior {
				p := prior
				e.PriorPrice = &p
			}
			b.ledger[addr] = append(b.ledger[addr], e)
			opened = append(opened, e)
		case domain.ActionSell:
			if e, ok := b.closeOldestLocked(addr, obs.MarketID, obs.Side, obs.Price, obs.Timestamp); ok {
				closed = append(closed, e)
			}
		}
		touched[addr] = true
		if obs.ID != "" {
			inBatch[obs.ID] = true
		}
		res.Recorded = append(res.Recorded, obs)
	}

	if err := b.persistLedgerLocked(ctx, opened, closed); err != nil {
		u.restore(b)
		return RecordResult{}, err
	}
	rescored, events := b.rescoreLocked(touched)
	if err := b.persistWhalesLocked(ctx, touched); err != nil {
		u.restore(b)
		return RecordResult{}, err
	}
	for id := range inBatch {
		b.seen[id] = true
	}
	res.Rescored = rescored
	b.publishLocked()
	b.report(events)
	return res, nil
}

// Settle closes every open ledger entry of a resolved market at 1.0 for the
// winning side and 0.0 for the losing side.
func (b *Book) Settle(ctx context.Context, marketID string, winner domain.Outcome, at time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := newUndo()
	touched := make(map[string]bool)
	var closed []domain.LedgerEntry
	for addr, entries := range b.ledger {
		for i := range entries {
			if entries[i].MarketID != marketID || entries[i].Closed() {
				continue
			}
			if !touched[addr] {
				u.saveWhale(b, addr)
				entries = b.ledger[addr]
				touched[addr] = true
			}
			e := &entries[i]
			exit := 0.0
			if e.Side == winner {
				exit = 1.0
			}
			b.applyExitLocked(addr, e, exit, at)
			closed = append(closed, *e)
		}
	}
	if len(closed) == 0 {
		return 0, nil
	}
	if err := b.persistLedgerLocked(ctx, nil, closed); err != nil {
		u.restore(b)
		return 0, err
	}
	_, events := b.rescoreLocked(touched)
	if err := b.persistWhalesLocked(ctx, touched); err != nil {
		u.restore(b)
		return 0, err
	}
	b.publishLocked()
	b.report(events)
	return len(closed), nil
}

// RescoreAll rescores every whale and publishes a snapshot.
func (b *Book) RescoreAll(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := make(map[string]bool, len(b.whales))
	for addr := range b.whales {
		all[addr] = true
	}
	u := newUndo()
	for addr := range all {
		u.saveWhale(b, addr)
	}
	n, events := b.rescoreLocked(all)
	if err := b.persistWhalesLocked(ctx, all); err != nil {
		u.restore(b)
		return 0, err
	}
	b.publishLocked()
	b.report(events)
	return n, nil
}

func (b *Book) closeOldestLocked(addr, marketID string, side domain.Outcome, price float64, at time.Time) (domain.LedgerEntry, bool) {
	entries := b.ledger[addr]
	for i := range entries {
		e := &entries[i]
		if e.MarketID == marketID && e.Side == side && !e.Closed() {
			b.applyExitLocked(addr, e, price, at)
			return *e, true
		}
	}
	return domain.LedgerEntry{}, false
}

func (b *Book) applyExitLocked(addr string, e *domain.LedgerEntry, price float64, at time.Time) {
	p := price
	t := at
	e.ExitPrice = &p
	e.ExitedAt = &t
	w := b.whales[addr]
	if w == nil {
		return
	}
	switch r := e.Return(); {
	case r > 0:
		w.WinCount++
	case r < 0:
		w.LossCount++
	}
}

// rescoreLocked rescores the given whales and returns how many received a
// score, plus the events for whales that became tracked. Whales below the
// minimum sample stay unscored.
func (b *Book) rescoreLocked(addrs map[string]bool) (int, []domain.ReportEvent) {
	now := b.now()
	n := 0
	var events []domain.ReportEvent
	for addr := range addrs {
		w := b.whales[addr]
		if w == nil {
			continue
		}
		res, err := b.scorer.Score(b.ledger[addr], now)
		if errors.Is(err, domain.ErrDataInsufficient) {
			w.QualityScore = nil
			w.Classification = domain.ClassUnscored
			w.Tracked = false
			continue
		}
		wasTracked := w.Tracked
		score := res.Score
		w.QualityScore = &score
		w.Components = res.Components
		w.Classification = res.Classification
		w.Specialization = res.Specialization
		w.Tracked = res.Tracked
		w.WinCount = res.Wins
		w.LossCount = res.Losses
		w.UpdatedAt = now
		n++

		if w.Tracked && !wasTracked {
			events = append(events, domain.ReportEvent{
				Kind:    domain.ReportWhaleTracked,
				At:      now,
				Message: fmt.Sprintf("whale %s tracked (score %.2f, %s)", addr, score, w.Classification),
				Detail:  map[string]any{"address": addr, "score": score},
			})
		}
	}
	return n, events
}

func (b *Book) report(events []domain.ReportEvent) {
	if b.reporter == nil {
		return
	}
	for _, ev := range events {
		b.reporter.Report(ev)
	}
}

func (b *Book) persistLedgerLocked(ctx context.Context, opened, closed []domain.LedgerEntry) error {
	if b.ledgerDB == nil {
		return nil
	}
	for _, e := range opened {
		if err := b.ledgerDB.Append(ctx, e); err != nil {
			return fmt.Errorf("whale: append ledger %s: %w", e.ID, err)
		}
	}
	for _, e := range closed {
		err := b.ledgerDB.CloseEntry(ctx, e.ID, *e.ExitPrice, *e.ExitedAt)
		if errors.Is(err, domain.ErrNotFound) {
			// Closed by an earlier attempt of the same batch.
			continue
		}
		if err != nil {
			return fmt.Errorf("whale: close ledger %s: %w", e.ID, err)
		}
	}
	return nil
}

func (b *Book) persistWhalesLocked(ctx context.Context, addrs map[string]bool) error {
	if b.whaleStore == nil || len(addrs) == 0 {
		return nil
	}
	batch := make([]domain.Whale, 0, len(addrs))
	for addr := range addrs {
		if w := b.whales[addr]; w != nil {
			batch = append(batch, *w)
		}
	}
	if err := b.whaleStore.UpsertBatch(ctx, batch); err != nil {
		return fmt.Errorf("whale: persist %d whales: %w", len(batch), err)
	}
	return nil
}

func (b *Book) publishLocked() {
	m := make(map[string]domain.Whale, len(b.whales))
	for addr, w := range b.whales {
		m[addr] = *w
	}
	b.snap.Store(&Snapshot{whales: m, builtAt: b.now()})
}

// undo records the state a batch touches so a failed write can put the
// book back as it was.
type undo struct {
	whales map[string]*domain.Whale
	ledger map[string][]domain.LedgerEntry
	prices map[string]*float64
}

func newUndo() *undo {
	return &undo{
		whales: make(map[string]*domain.Whale),
		ledger: make(map[string][]domain.LedgerEntry),
		prices: make(map[string]*float64),
	}
}

// saveWhale keeps a copy of the whale and its ledger. The live ledger slice
// is replaced by a private copy so in-place exits do not leak into the
// saved one.
func (u *undo) saveWhale(b *Book, addr string) {
	if _, ok := u.whales[addr]; ok {
		return
	}
	var saved *domain.Whale
	if w := b.whales[addr]; w != nil {
		c := *w
		saved = &c
	}
	u.whales[addr] = saved
	entries := b.ledger[addr]
	u.ledger[addr] = entries
	if entries != nil {
		b.ledger[addr] = append([]domain.LedgerEntry(nil), entries...)
	}
}

func (u *undo) savePrice(b *Book, key string) {
	if _, ok := u.prices[key]; ok {
		return
	}
	var saved *float64
	if p, ok := b.lastPrice[key]; ok {
		saved = &p
	}
	u.prices[key] = saved
}

func (u *undo) restore(b *Book) {
	for addr, w := range u.whales {
		if w == nil {
			delete(b.whales, addr)
		} else {
			b.whales[addr] = w
		}
		if entries := u.ledger[addr]; entries == nil {
			delete(b.ledger, addr)
		} else {
			b.ledger[addr] = entries
		}
	}
	for key, p := range u.prices {
		if p == nil {
			delete(b.lastPrice, key)
		} else {
			b.lastPrice[key] = *p
		}
	}
}

func sortLedger(entries []domain.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnteredAt.Before(entries[j].EnteredAt)
	})
}
