package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// LedgerStore implements domain.LedgerStore on the whale_trades table.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerSelectCols = `id, address, market_id, category, side, entry_price, prior_price,
	size, exit_price, entered_at, exited_at`

// Append records an opened entry. Re-appending an existing id is a no-op so
// replayed feed pages stay idempotent.
func (s *LedgerStore) Append(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
		INSERT INTO whale_trades (
			id, address, market_id, category, side, entry_price, prior_price,
			size, exit_price, entered_at, exited_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Address, e.MarketID, e.Category, string(e.Side), e.EntryPrice, e.PriorPrice,
		e.Size, e.ExitPrice, e.EnteredAt, e.ExitedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// CloseEntry sets the exit of an open entry. A closed entry is never
// reopened or re-closed.
func (s *LedgerStore) CloseEntry(ctx context.Context, id string, exitPrice float64, exitedAt time.Time) error {
	const query = `
		UPDATE whale_trades SET exit_price = $2, exited_at = $3
		WHERE id = $1 AND exit_price IS NULL`
	tag, err := s.pool.Exec(ctx, query, id, exitPrice, exitedAt)
	if err != nil {
		return fmt.Errorf("postgres: close ledger entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByAddress returns one whale's entries in entry order.
func (s *LedgerStore) ListByAddress(ctx context.Context, address string) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM whale_trades WHERE address = $1 ORDER BY entered_at, id`
	rows, err := s.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger for %s: %w", address, err)
	}
	return collectLedger(rows)
}

// ListAll returns every entry, grouped by address and in entry order.
func (s *LedgerStore) ListAll(ctx context.Context) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM whale_trades ORDER BY address, entered_at, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger: %w", err)
	}
	return collectLedger(rows)
}

func collectLedger(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e    domain.LedgerEntry
			side string
		)
		if err := rows.Scan(
			&e.ID, &e.Address, &e.MarketID, &e.Category, &side, &e.EntryPrice, &e.PriorPrice,
			&e.Size, &e.ExitPrice, &e.EnteredAt, &e.ExitedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		e.Side = domain.Outcome(side)
		out = append(out, e)
	}
	return out, rows.Err()
}
