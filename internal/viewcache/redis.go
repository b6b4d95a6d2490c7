package viewcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewardpools/stake-engine/internal/staking"
)

// RedisClient is the subset of go-redis commands the cache uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisCache struct {
	client RedisClient
	ttl    time.Duration
	prefix string
}

func (c *redisCache) Get(ctx context.Context, pair staking.Pair) (Entry, error) {
	raw, err := c.client.Get(ctx, key(c.prefix, pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("viewcache: redis get: %w", err)
	}
	return decode(raw)
}

func (c *redisCache) Set(ctx context.Context, pair staking.Pair, e Entry) error {
	raw, err := encode(e)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key(c.prefix, pair), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("viewcache: redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, pair staking.Pair) error {
	if err := c.client.Del(ctx, key(c.prefix, pair)).Err(); err != nil {
		return fmt.Errorf("viewcache: redis del: %w", err)
	}
	return nil
}
