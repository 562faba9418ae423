package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockTTL        = 30 * time.Second
	waitTimeout    = 30 * time.Second
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// releaseScript deletes a lock only if this caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes a lock's expiry only if this caller still owns it.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCacher is a Cacher shared between processes through Redis. Values are
// stored as JSON under prefix+key. A SETNX lock keeps concurrent misses from
// several processes down to one fetch; losers poll for the winner's value.
type RedisCacher[T any] struct {
	client redis.UniversalClient
	prefix string
}

var _ Cacher[int] = (*RedisCacher[int])(nil)

// NewRedisCacher creates a Redis-backed cache.
//
// Parameters:
//   - client: A connected go-redis client
//   - prefix: Namespace prepended to every key, e.g. "imgdelegate:result:"
//
// Returns:
//   - A new RedisCacher
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	results := NewRedisCacher[*imagebuf.ImageBuffer](client, "imgdelegate:")
func NewRedisCacher[T any](client redis.UniversalClient, prefix string) *RedisCacher[T] {
	return &RedisCacher[T]{client: client, prefix: prefix}
}

func (c *RedisCacher[T]) key(k string) string {
	return c.prefix + k
}

// GetOrFetch implements Cacher.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	fullKey := c.key(key)

	if v, found, err := c.get(ctx, fullKey); err != nil || found {
		return v, err
	}

	lockKey := fullKey + ":lock"
	lockValue := strconv.FormatInt(time.Now().UnixNano(), 10)

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		return c.waitFor(ctx, fullKey, lockKey)
	}

	defer func() {
		// background context so the lock is released even if ctx ended
		_ = releaseScript.Run(context.Background(), c.client, []string{lockKey}, lockValue).Err()
	}()

	extendCtx, stopExtend := context.WithCancel(context.Background())
	defer stopExtend()
	go c.extendLock(extendCtx, lockKey, lockValue, lockTTL)

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.Set(context.Background(), fullKey, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("failed to cache result: %w", err)
	}

	return result, nil
}

// extendLock keeps lockKey alive while a fetch outlasts ttl, refreshing it
// every ttl/3 until ctx is canceled.
func (c *RedisCacher[T]) extendLock(ctx context.Context, lockKey, lockValue string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = extendScript.Run(ctx, c.client, []string{lockKey}, lockValue, ttl.Milliseconds()).Err()
		}
	}
}

func (c *RedisCacher[T]) get(ctx context.Context, fullKey string) (T, bool, error) {
	var zero T

	raw, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get error: %w", err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return v, true, nil
}

// waitFor polls with exponential backoff until the lock owner stores a value,
// the lock disappears without one, or waitTimeout elapses.
func (c *RedisCacher[T]) waitFor(ctx context.Context, fullKey, lockKey string) (T, error) {
	var zero T

	backoff := initialBackoff
	deadline := time.Now().Add(waitTimeout)

	for {
		if v, found, err := c.get(ctx, fullKey); err != nil || found {
			return v, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			if v, found, err := c.get(ctx, fullKey); err != nil || found {
				return v, err
			}
			return zero, errors.New("concurrent fetch failed without caching a value")
		}

		if time.Now().After(deadline) {
			return zero, errors.New("timeout waiting for cache")
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// Clear implements Cacher. Only values under the cache prefix are removed;
// in-flight fetch locks are left to their owners.
func (c *RedisCacher[T]) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// ItemCount implements Cacher. Only keys under the cache prefix are counted.
func (c *RedisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (c *RedisCacher[T]) scan(ctx context.Context) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); !strings.HasSuffix(k, ":lock") {
			keys = append(keys, k)
		}
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
