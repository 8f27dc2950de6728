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

// WhaleStore implements domain.WhaleStore using PostgreSQL.
type WhaleStore struct {
	pool *pgxpool.Pool
}

// NewWhaleStore creates a new WhaleStore backed by the given connection pool.
func NewWhaleStore(pool *pgxpool.Pool) *WhaleStore {
	return &WhaleStore{pool: pool}
}

const whaleSelectCols = `address, nickname, total_volume, trade_count, win_count, loss_count,
	quality_score, components, classification, specialization, tracked,
	first_seen, last_seen, updated_at`

const whaleUpsert = `
	INSERT INTO whales (
		address, nickname, total_volume, trade_count, win_count, loss_count,
		quality_score, components, classification, specialization, tracked,
		first_seen, last_seen, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	ON CONFLICT (address) DO UPDATE SET
		nickname = EXCLUDED.nickname,
		total_volume = EXCLUDED.total_volume,
		trade_count = EXCLUDED.trade_count,
		win_count = EXCLUDED.win_count,
		loss_count = EXCLUDED.loss_count,
		quality_score = EXCLUDED.quality_score,
		components = EXCLUDED.components,
		classification = EXCLUDED.classification,
		specialization = EXCLUDED.specialization,
		tracked = EXCLUDED.tracked,
		first_seen = LEAST(whales.first_seen, EXCLUDED.first_seen),
		last_seen = GREATEST(whales.last_seen, EXCLUDED.last_seen),
		updated_at = NOW()`

func whaleArgs(w domain.Whale) ([]any, error) {
	components, err := json.Marshal(w.Components)
	if err != nil {
		return nil, fmt.Errorf("marshal components: %w", err)
	}
	return []any{
		w.Address, w.Nickname, w.TotalVolume, w.TradeCount, w.WinCount, w.LossCount,
		w.QualityScore, components, string(w.Classification), w.Specialization, w.Tracked,
		w.FirstSeen, w.LastSeen,
	}, nil
}

func scanWhale(row pgx.Row) (domain.Whale, error) {
	var (
		w              domain.Whale
		components     []byte
		classification string
	)
	err := row.Scan(
		&w.Address, &w.Nickname, &w.TotalVolume, &w.TradeCount, &w.WinCount, &w.LossCount,
		&w.QualityScore, &components, &classification, &w.Specialization, &w.Tracked,
		&w.FirstSeen, &w.LastSeen, &w.UpdatedAt,
	)
	if err != nil {
		return domain.Whale{}, err
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &w.Components); err != nil {
			return domain.Whale{}, fmt.Errorf("unmarshal components: %w", err)
		}
	}
	w.Classification = domain.Classification(classification)
	return w, nil
}

// Upsert inserts or updates a whale profile.
func (s *WhaleStore) Upsert(ctx context.Context, w domain.Whale) error {
	args, err := whaleArgs(w)
	if err != nil {
		return fmt.Errorf("postgres: upsert whale %s: %w", w.Address, err)
	}
	if _, err := s.pool.Exec(ctx, whaleUpsert, args...); err != nil {
		return fmt.Errorf("postgres: upsert whale %s: %w", w.Address, err)
	}
	return nil
}

// UpsertBatch writes ws in a single round trip.
func (s *WhaleStore) UpsertBatch(ctx context.Context, ws []domain.Whale) error {
	if len(ws) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, w := range ws {
		args, err := whaleArgs(w)
		if err != nil {
			return fmt.Errorf("postgres: upsert whale %s: %w", w.Address, err)
		}
		batch.Queue(whaleUpsert, args...)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upsert whale batch: %w", err)
	}
	return nil
}

// GetByAddress returns a whale by its normalized address.
func (s *WhaleStore) GetByAddress(ctx context.Context, address string) (domain.Whale, error) {
	query := `SELECT ` + whaleSelectCols + ` FROM whales WHERE address = $1`
	w, err := scanWhale(s.pool.QueryRow(ctx, query, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Whale{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Whale{}, fmt.Errorf("postgres: get whale %s: %w", address, err)
	}
	return w, nil
}

// List returns whales ordered by quality score, unscored last.
func (s *WhaleStore) List(ctx context.Context, trackedOnly bool, opts domain.ListOpts) ([]domain.Whale, error) {
	query := `SELECT ` + whaleSelectCols + ` FROM whales WHERE ($1 = FALSE OR tracked)`
	query, args := withListOpts(query, []any{trackedOnly}, "last_seen",
		"quality_score DESC NULLS LAST, total_volume DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list whales: %w", err)
	}
	defer rows.Close()

	var out []domain.Whale
	for rows.Next() {
		w, err := scanWhale(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan whale: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
