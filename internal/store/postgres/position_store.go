package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, opportunity_id, strategy, market_id, side, entry_price, current_price,
	size, shares, unrealized_pnl, realized_pnl, status, close_reason, counterparty,
	opened_at, closed_at, exit_price`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                         domain.Position
		side, status, closeReason string
	)
	err := row.Scan(
		&p.ID, &p.OpportunityID, &p.Strategy, &p.MarketID, &side, &p.EntryPrice, &p.CurrentPrice,
		&p.Size, &p.Shares, &p.UnrealizedPnL, &p.RealizedPnL, &status, &closeReason, &p.Counterparty,
		&p.OpenedAt, &p.ClosedAt, &p.ExitPrice,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Outcome(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, opportunity_id, strategy, market_id, side, entry_price, current_price,
			size, shares, unrealized_pnl, realized_pnl, status, close_reason, counterparty,
			opened_at, closed_at, exit_price, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, NOW()
		)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.OpportunityID, p.Strategy, p.MarketID, string(p.Side), p.EntryPrice, p.CurrentPrice,
		p.Size, p.Shares, p.UnrealizedPnL, p.RealizedPnL, string(p.Status), string(p.CloseReason), p.Counterparty,
		p.OpenedAt, p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update writes the mutable fields of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			current_price = $2, unrealized_pnl = $3, realized_pnl = $4,
			status = $5, close_reason = $6, closed_at = $7, exit_price = $8,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL,
		string(p.Status), string(p.CloseReason), p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every open position, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = $1 ORDER BY opened_at, id`
	rows, err := s.pool.Query(ctx, query, string(domain.PositionStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return collectPositions(rows)
}

// ListClosed returns closed positions, most recently closed first.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := withListOpts(
		`SELECT `+positionSelectCols+` FROM positions WHERE status = $1`,
		[]any{string(domain.PositionStatusClosed)}, "closed_at", "closed_at DESC, id", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
