package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "freightpay:idem:"

// RedisStore shares entries across instances. PutIfAbsent is a single
// SET NX PX, so concurrent instances agree on which delivery came first.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, e Entry, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("redis store: ttl must be positive")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode entry: %w", err)
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+e.Key, raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping reports whether the backing Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
