// Package tablecache caches rendered score tables in Redis. The cache key
// includes the engine revision, so a mutation makes every previously cached
// table unreachable and TTL expiry reclaims it; the engine itself stays
// free of derived state.
package tablecache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/termstats-io/termstats/internal/stats"
	"github.com/termstats-io/termstats/pkg/config"
	pkgredis "github.com/termstats-io/termstats/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "table:"

// Key identifies one score table: the algorithm, its parameters, and the
// engine revision the table was computed at.
type Key struct {
	Algorithm string
	Variant   string
	K1        float64
	B         float64
	Delta     float64
	Revision  uint64
}

func (k Key) raw() string {
	return fmt.Sprintf("%s|variant=%s|k1=%g|b=%g|delta=%g|rev=%d",
		k.Algorithm, k.Variant, k.K1, k.B, k.Delta, k.Revision)
}

// TableCache caches score tables in Redis and deduplicates concurrent
// recomputation of the same table via singleflight.
type TableCache struct {
	client *pkgredis.Client
	cfg    config.RedisConfig
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func New(client *pkgredis.Client, cfg config.RedisConfig) *TableCache {
	return &TableCache{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "table-cache"),
	}
}

func (c *TableCache) Get(ctx context.Context, key Key) (stats.Table[string, string], bool) {
	redisKey := c.buildKey(key)
	data, err := c.client.Get(ctx, redisKey)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", redisKey, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var table stats.Table[string, string]
	if err := json.Unmarshal([]byte(data), &table); err != nil {
		c.logger.Error("cache unmarshal failed", "key", redisKey, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "algorithm", key.Algorithm, "revision", key.Revision)
	return table, true
}

func (c *TableCache) Set(ctx context.Context, key Key, table stats.Table[string, string]) {
	redisKey := c.buildKey(key)
	data, err := json.Marshal(table)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", redisKey, "error", err)
		return
	}
	if err := c.client.Set(ctx, redisKey, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", redisKey, "error", err)
	}
}

// GetOrCompute returns the cached table for key, computing and storing it on
// a miss. Concurrent callers for the same key share one computation.
func (c *TableCache) GetOrCompute(
	ctx context.Context,
	key Key,
	computeFn func() (stats.Table[string, string], error),
) (stats.Table[string, string], bool, error) {
	if table, ok := c.Get(ctx, key); ok {
		return table, true, nil
	}
	val, err, _ := c.group.Do(key.raw(), func() (interface{}, error) {
		if table, ok := c.Get(ctx, key); ok {
			return table, nil
		}
		table, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, table)
		return table, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(stats.Table[string, string]), false, nil
}

// Invalidate drops every cached table.
func (c *TableCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating table cache: %w", err)
	}
	c.logger.Info("table cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *TableCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *TableCache) buildKey(key Key) string {
	hash := sha256.Sum256([]byte(key.raw()))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
