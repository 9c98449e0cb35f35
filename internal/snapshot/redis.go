package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qms/entry-queue/internal/store"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "entry-queue:snapshot"

// RedisCache stores the latest snapshot as JSON under a single key.
type RedisCache struct {
	client *redis.Client
	key    string
}

func NewRedisCache(client *redis.Client, key string) *RedisCache {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisCache{client: client, key: key}
}

func (c *RedisCache) Get(ctx context.Context) (store.Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.Snapshot{}, false, nil
		}
		return store.Snapshot{}, false, err
	}
	var snapshot store.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return store.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (c *RedisCache) Set(ctx context.Context, snapshot store.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
