package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// PortfolioStore keeps portfolio snapshots as JSONB rows.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

// NewPortfolioStore creates a new PortfolioStore backed by the given connection pool.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

// Save appends snap.
func (s *PortfolioStore) Save(ctx context.Context, snap domain.PortfolioSnapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal portfolio snapshot: %w", err)
	}
	const query = `INSERT INTO portfolio_snapshots (state, taken_at) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, query, state, snap.TakenAt); err != nil {
		return fmt.Errorf("postgres: save portfolio snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot, or domain.ErrNotFound.
func (s *PortfolioStore) Latest(ctx context.Context) (domain.PortfolioSnapshot, error) {
	const query = `SELECT state FROM portfolio_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`
	var state []byte
	err := s.pool.QueryRow(ctx, query).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PortfolioSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("postgres: latest portfolio snapshot: %w", err)
	}
	var snap domain.PortfolioSnapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("postgres: unmarshal portfolio snapshot: %w", err)
	}
	return snap, nil
}
