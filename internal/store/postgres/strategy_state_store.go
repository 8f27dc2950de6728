package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// StrategyStateStore implements domain.StrategyStateStore using PostgreSQL.
type StrategyStateStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStateStore creates a StrategyStateStore backed by the given pool.
func NewStrategyStateStore(pool *pgxpool.Pool) *StrategyStateStore {
	return &StrategyStateStore{pool: pool}
}

// Get returns the persisted state of one strategy.
func (s *StrategyStateStore) Get(ctx context.Context, name string) (domain.StrategyState, error) {
	const query = `
		SELECT name, status, consecutive_failures, last_error, updated_at
		FROM strategy_state WHERE name = $1`
	var st domain.StrategyState
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&st.Name, &st.Status, &st.ConsecutiveFailures, &st.LastError, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StrategyState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StrategyState{}, fmt.Errorf("postgres: get strategy state %s: %w", name, err)
	}
	return st, nil
}

// Upsert inserts or replaces a strategy's state.
func (s *StrategyStateStore) Upsert(ctx context.Context, st domain.StrategyState) error {
	const query = `
		INSERT INTO strategy_state (name, status, consecutive_failures, last_error, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			status = EXCLUDED.status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, st.Name, st.Status, st.ConsecutiveFailures, st.LastError); err != nil {
		return fmt.Errorf("postgres: upsert strategy state %s: %w", st.Name, err)
	}
	return nil
}

// List returns all persisted strategy states ordered by name.
func (s *StrategyStateStore) List(ctx context.Context) ([]domain.StrategyState, error) {
	const query = `
		SELECT name, status, consecutive_failures, last_error, updated_at
		FROM strategy_state ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy states: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyState
	for rows.Next() {
		var st domain.StrategyState
		if err := rows.Scan(&st.Name, &st.Status, &st.ConsecutiveFailures, &st.LastError, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
