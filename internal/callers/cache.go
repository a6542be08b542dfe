package callers

import (
	"context"
	"encoding/json"
	"time"

	"recruit-voice/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved identities keyed by number suffix.
// Implementations must treat every failure as a miss.
type Cache interface {
	Get(ctx context.Context, suffix string) (Identity, bool)
	Set(ctx context.Context, suffix string, id Identity)
}

// RedisCache caches known callers in redis. Unknown callers are not cached so
// a newly created candidate is recognised on the next call.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "callers:"}
}

func (c *RedisCache) Get(ctx context.Context, suffix string) (Identity, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+suffix).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.From(ctx).Debug("caller cache get failed", "err", err)
		}
		return Identity{}, false
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false
	}
	return id, true
}

func (c *RedisCache) Set(ctx context.Context, suffix string, id Identity) {
	if !id.Known || c.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+suffix, raw, c.ttl).Err(); err != nil {
		logger.From(ctx).Debug("caller cache set failed", "err", err)
	}
}
