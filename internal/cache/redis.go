// Redis-backed cache backend.
//
// Keys are stored under a configured prefix so several gateways can share one
// Redis instance. TTL uses Redis-native expiration, so Cleanup is a no-op.
//
// Graceful degradation: when Redis is unavailable, Get returns a miss, Set
// becomes a no-op, and Delete returns false — the gateway never fails a
// shipment request because the cache layer is down.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	defaultKeyPrefix    = "shipgw"
	scanBatch           = 200
)

// Redis is a Backend backed by a Redis server.
type Redis struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration

	stats counters
}

// NewRedisFromClient wraps an existing Redis client. The caller owns the
// client lifecycle unless Close is used. keyPrefix may be empty to use the
// default.
func NewRedisFromClient(cli *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Redis{client: cli, prefix: keyPrefix, queryTimeout: defaultQueryTimeout}
}

// NewRedisFromURL parses redisURL, creates a client, verifies connectivity
// with a PING, and returns a Redis backend.
func NewRedisFromURL(ctx context.Context, redisURL, keyPrefix string) (*Redis, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisFromClient(cli, keyPrefix), nil
}

func (c *Redis) storageKey(key string) string { return c.prefix + ":" + key }

// Get retrieves the value for key. Returns (nil, false) on a miss or any
// Redis error. Errors are logged at WARN but never propagated.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.storageKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		c.stats.misses.Add(1)
		return nil, false
	}

	c.stats.hits.Add(1)
	return val, true
}

// Set stores value under key with the given TTL. A zero TTL stores the entry
// without expiration. Redis errors degrade to a no-op.
func (c *Redis) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	key = namespaced(key, opts)
	if err := c.client.Set(ctx, c.storageKey(key), value, opts.TTL).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil // degrade gracefully
	}

	c.stats.sets.Add(1)
	return nil
}

// Delete removes key. Returns true iff an entry was removed; false on a miss
// or when Redis is unreachable.
func (c *Redis) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.Del(ctx, c.storageKey(key)).Result()
	if err != nil {
		slog.WarnContext(ctx, "cache_delete_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}

	if n > 0 {
		c.stats.deletes.Add(1)
	}
	return n > 0
}

// Has reports whether key currently exists. Redis-native TTL guarantees
// expired entries are already gone.
func (c *Redis) Has(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, c.storageKey(key)).Result()
	return err == nil && n > 0
}

// Clear removes every entry under the configured prefix.
func (c *Redis) Clear(ctx context.Context) error {
	keys := c.scan(ctx, c.prefix+":*")
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}

	c.stats.reset()
	return nil
}

// Keys returns all keys under the prefix matching pattern, with the prefix
// stripped so callers see the same key space as the memory backend. The '*'
// glob maps directly onto Redis MATCH semantics.
func (c *Redis) Keys(ctx context.Context, pattern string) []string {
	if pattern == "" {
		pattern = "*"
	}

	raw := c.scan(ctx, c.prefix+":"+pattern)
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, c.prefix+":"))
	}
	return keys
}

// Cleanup is a no-op for Redis — expiration is native.
func (c *Redis) Cleanup(context.Context) int { return 0 }

// Stats returns a snapshot of the client-side counters. Size is the number of
// keys currently under the prefix.
func (c *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), c.queryTimeout)
	defer cancel()
	return c.stats.snapshot(len(c.scan(ctx, c.prefix+":*")))
}

// HealthCheck pings the server.
func (c *Redis) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection pool.
func (c *Redis) Close() error { return c.client.Close() }

// scan iterates the keyspace with SCAN. Returns raw (prefixed) keys; an empty
// slice when Redis is unreachable.
func (c *Redis) scan(ctx context.Context, match string) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			slog.WarnContext(ctx, "cache_scan_error",
				slog.String("match", match),
				slog.String("error", err.Error()),
			)
			return nil
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys
		}
		cursor = next
	}
}
