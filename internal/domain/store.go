package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WhaleStore persists counterparty profiles.
type WhaleStore interface {
	Upsert(ctx context.Context, w Whale) error
	UpsertBatch(ctx context.Context, ws []Whale) error
	GetByAddress(ctx context.Context, address string) (Whale, error)
	List(ctx context.Context, trackedOnly bool, opts ListOpts) ([]Whale, error)
}

// LedgerStore persists the append-only whale trade ledger.
type LedgerStore interface {
	Append(ctx context.Context, e LedgerEntry) error
	CloseEntry(ctx context.Context, id string, exitPrice float64, exitedAt time.Time) error
	ListByAddress(ctx context.Context, address string) ([]LedgerEntry, error)
	ListAll(ctx context.Context) ([]LedgerEntry, error)
}

// SignalStore persists whale-copy signals.
type SignalStore interface {
	Upsert(ctx context.Context, s Signal) error
	ListActive(ctx context.Context) ([]Signal, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Signal, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListClosed(ctx context.Context, opts ListOpts) ([]Position, error)
}

// PortfolioStore persists portfolio snapshots. The latest snapshot is the
// source of truth on restart.
type PortfolioStore interface {
	Save(ctx context.Context, snap PortfolioSnapshot) error
	Latest(ctx context.Context) (PortfolioSnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// StrategyState is the persisted lifecycle state of a registered strategy.
type StrategyState struct {
	Name                string
	Status              string
	ConsecutiveFailures int
	LastError           string
	UpdatedAt           time.Time
}

// StrategyStateStore persists strategy lifecycle state so an automatic
// pause survives a restart.
type StrategyStateStore interface {
	Get(ctx context.Context, name string) (StrategyState, error)
	Upsert(ctx context.Context, st StrategyState) error
	List(ctx context.Context) ([]StrategyState, error)
}

// KVStore holds small named values such as feed cursors.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
