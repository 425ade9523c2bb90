package admission

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Compile-time check that RedisCounters implements CounterStore.
var _ CounterStore = (*RedisCounters)(nil)

// RedisCounters shares concurrency counters across processes. INCR is atomic
// in Redis; when the incremented value overshoots the cap the increment is
// rolled back, so the counter never settles above cap.
type RedisCounters struct {
	client *redis.Client
	prefix string
}

// NewRedisCounters creates a Redis-backed counter store.
func NewRedisCounters(addr string) *RedisCounters {
	return &RedisCounters{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "storytime:concurrency:",
	}
}

func (r *RedisCounters) IncrBelow(ctx context.Context, key string, cap int) (bool, error) {
	full := r.prefix + key
	n, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		return false, fmt.Errorf("counter incr: %w", err)
	}
	if n > int64(cap) {
		if err := r.client.Decr(ctx, full).Err(); err != nil {
			return false, fmt.Errorf("counter rollback: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func (r *RedisCounters) Decr(ctx context.Context, key string) error {
	full := r.prefix + key
	n, err := r.client.Decr(ctx, full).Result()
	if err != nil {
		return fmt.Errorf("counter decr: %w", err)
	}
	if n < 0 {
		// Counter underflow after a lost increment; clamp back to zero.
		return r.client.Set(ctx, full, 0, 0).Err()
	}
	return nil
}

func (r *RedisCounters) Value(ctx context.Context, key string) (int, error) {
	n, err := r.client.Get(ctx, r.prefix+key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get: %w", err)
	}
	return n, nil
}

// Close releases the underlying Redis connection.
func (r *RedisCounters) Close() error {
	return r.client.Close()
}
