package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache implements domain.SnapshotCache with JSON values under
// "market:{id}".
type SnapshotCache struct {
	c   *Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache whose entries live for ttl.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotCache{c: c, ttl: ttl}
}

func (sc *SnapshotCache) key(id string) string { return sc.c.Key("market:" + id) }

// Set stores a market snapshot.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.MarketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", snap.MarketID, err)
	}
	if err := sc.c.rdb.Set(ctx, sc.key(snap.MarketID), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", snap.MarketID, err)
	}
	return nil
}

// Get returns a cached snapshot or domain.ErrNotFound.
func (sc *SnapshotCache) Get(ctx context.Context, marketID string) (domain.MarketSnapshot, error) {
	data, err := sc.c.rdb.Get(ctx, sc.key(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, fmt.Errorf("redis: market %s: %w", marketID, domain.ErrNotFound)
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get market %s: %w", marketID, err)
	}
	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: unmarshal market %s: %w", marketID, err)
	}
	return snap, nil
}

// Invalidate removes a cached snapshot.
func (sc *SnapshotCache) Invalidate(ctx context.Context, marketID string) error {
	if err := sc.c.rdb.Del(ctx, sc.key(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", marketID, err)
	}
	return nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
