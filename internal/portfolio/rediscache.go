package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const latestSnapshotKey = "tradecore:portfolio:latest"

// SnapshotCache mirrors the latest portfolio snapshot into Redis so
// dashboards and sibling processes can read it without a bus
// subscription. Best-effort, like the candle cache: a Redis failure is
// a miss, never a cycle error.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a Redis-backed latest-snapshot cache. A nil
// client returns nil, which every method treats as a disabled cache.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// SetLatest stores the snapshot under the well-known key with the
// configured TTL.
func (c *SnapshotCache) SetLatest(ctx context.Context, snap Snapshot) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, latestSnapshotKey, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to cache portfolio snapshot")
		return err
	}
	return nil
}

// Latest retrieves the last cached snapshot. Returns false on miss or
// error.
func (c *SnapshotCache) Latest(ctx context.Context) (Snapshot, bool) {
	if c == nil || c.client == nil {
		return Snapshot{}, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, latestSnapshotKey).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("Redis get error, treating as cache miss")
		}
		return Snapshot{}, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal cached snapshot")
		return Snapshot{}, false
	}
	return snap, true
}
