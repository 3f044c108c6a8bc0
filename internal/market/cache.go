package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CandleCache keeps a bounded window of candles per pair. Reads are
// lock-free copies; each key has a single writer that replaces the
// window atomically under the mutex.
type CandleCache struct {
	mu      sync.RWMutex
	window  int
	candles map[Pair][]Candle
}

// NewCandleCache creates a cache that retains at most window candles per pair.
func NewCandleCache(window int) *CandleCache {
	if window <= 0 {
		window = 500
	}
	return &CandleCache{
		window:  window,
		candles: make(map[Pair][]Candle),
	}
}

// Put replaces the cached window for a pair, trimming to the bound.
// Input must be oldest-first; candles already cached are never mutated.
func (c *CandleCache) Put(pair Pair, candles []Candle) {
	trimmed := candles
	if len(trimmed) > c.window {
		trimmed = trimmed[len(trimmed)-c.window:]
	}
	cp := make([]Candle, len(trimmed))
	copy(cp, trimmed)

	c.mu.Lock()
	c.candles[pair] = cp
	c.mu.Unlock()
}

// Get returns a copy of the cached window for a pair, oldest first.
func (c *CandleCache) Get(pair Pair) ([]Candle, bool) {
	c.mu.RLock()
	cached, ok := c.candles[pair]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cp := make([]Candle, len(cached))
	copy(cp, cached)
	return cp, true
}

// Len reports the number of cached candles for a pair.
func (c *CandleCache) Len(pair Pair) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.candles[pair])
}

// RedisCandleCache mirrors candle windows into Redis so restarts and
// sibling processes can warm up without refetching from the exchange.
// All operations are best-effort: a Redis failure is a cache miss,
// never a pipeline error.
type RedisCandleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCandleCache creates a Redis-backed candle cache. A nil client
// returns nil, which every method treats as a disabled cache.
func NewRedisCandleCache(client *redis.Client, ttl time.Duration) *RedisCandleCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCandleCache{client: client, ttl: ttl}
}

func (c *RedisCandleCache) key(pair Pair, intervalMin int) string {
	return fmt.Sprintf("tradecore:candles:%s:%dm", pair.Symbol(), intervalMin)
}

// Get retrieves a cached candle window. Returns nil, false on miss or error.
func (c *RedisCandleCache) Get(ctx context.Context, pair Pair, intervalMin int) ([]Candle, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(pair, intervalMin)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("pair", pair.String()).Msg("Redis get error, treating as cache miss")
		}
		return nil, false
	}

	var candles []Candle
	if err := json.Unmarshal([]byte(cached), &candles); err != nil {
		log.Warn().Err(err).Str("pair", pair.String()).Msg("Failed to unmarshal cached candles")
		return nil, false
	}
	return candles, true
}

// Set stores a candle window with the configured TTL.
func (c *RedisCandleCache) Set(ctx context.Context, pair Pair, intervalMin int, candles []Candle) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("failed to marshal candles: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(pair, intervalMin), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("pair", pair.String()).Msg("Failed to cache candles")
		return err
	}
	return nil
}
