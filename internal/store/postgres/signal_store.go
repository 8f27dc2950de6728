package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const signalSelectCols = `id, whale_address, market_id, category, side, entry_price, whale_size,
	quality, state, last_price, drift, reason, created_at, updated_at`

var terminalSignalStates = []string{
	string(domain.SignalExecuted),
	string(domain.SignalExpired),
	string(domain.SignalRejected),
}

// Upsert writes the signal's current state. Terminal rows are left alone so
// a stale writer cannot resurrect a finished signal.
func (s *SignalStore) Upsert(ctx context.Context, sig domain.Signal) error {
	const query = `
		INSERT INTO signals (
			id, whale_address, market_id, category, side, entry_price, whale_size,
			quality, state, last_price, drift, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			last_price = EXCLUDED.last_price,
			drift = EXCLUDED.drift,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
		WHERE signals.state <> ALL($15)`
	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.WhaleAddress, sig.MarketID, sig.Category, string(sig.Side), sig.EntryPrice, sig.WhaleSize,
		sig.Quality, string(sig.State), sig.LastPrice, sig.Drift, sig.Reason, sig.CreatedAt, sig.UpdatedAt,
		terminalSignalStates,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListActive returns pending and copyable signals, oldest first.
func (s *SignalStore) ListActive(ctx context.Context) ([]domain.Signal, error) {
	query := `SELECT ` + signalSelectCols + ` FROM signals
		WHERE state <> ALL($1) ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, terminalSignalStates)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active signals: %w", err)
	}
	return collectSignals(rows)
}

// ListRecent returns signals of any state, newest first.
func (s *SignalStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Signal, error) {
	query, args := withListOpts(`SELECT `+signalSelectCols+` FROM signals WHERE 1=1`, nil,
		"created_at", "created_at DESC, id", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent signals: %w", err)
	}
	return collectSignals(rows)
}

// DeleteTerminalBefore prunes finished signals last updated before the cutoff.
func (s *SignalStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM signals WHERE state = ANY($1) AND updated_at < $2`
	tag, err := s.pool.Exec(ctx, query, terminalSignalStates, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectSignals(rows pgx.Rows) ([]domain.Signal, error) {
	defer rows.Close()
	var out []domain.Signal
	for rows.Next() {
		var (
			sig         domain.Signal
			side, state string
		)
		if err := rows.Scan(
			&sig.ID, &sig.WhaleAddress, &sig.MarketID, &sig.Category, &side, &sig.EntryPrice, &sig.WhaleSize,
			&sig.Quality, &state, &sig.LastPrice, &sig.Drift, &sig.Reason, &sig.CreatedAt, &sig.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		sig.Side = domain.Outcome(side)
		sig.State = domain.SignalState(state)
		out = append(out, sig)
	}
	return out, rows.Err()
}
