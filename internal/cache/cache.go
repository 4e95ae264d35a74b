// Package cache provides the response cache used by the carrier adapters.
//
// Two backends are available:
//   - Redis  — shared across replicas, recommended for production clusters.
//   - Memory — in-process LRU with per-entry TTL, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Backend interface so they are fully interchangeable.
// Callers must treat cache failures as non-fatal: a failed Get is a miss, a
// failed Set is a no-op. The adapters log degradation at WARN and continue.
package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// SetOptions controls how a value is stored.
type SetOptions struct {
	// TTL is the entry lifetime. Zero means the entry never expires by age.
	TTL time.Duration

	// Namespace, when non-empty, prefixes the stored key with "namespace:".
	Namespace string
}

// Stats is a point-in-time snapshot of cache counters. All counters are
// monotonically non-decreasing until an explicit reset.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Deletes   uint64 `json:"deletes"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Backend is the uniform cache contract.
type Backend interface {
	// Get returns the value for key. (nil, false) on a miss or expired entry;
	// expired entries are removed on read and counted as evictions.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key, overwriting any previous entry.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error

	// Delete removes key. Returns true iff an entry was removed.
	Delete(ctx context.Context, key string) bool

	// Has reports whether Get would currently return a value for key.
	Has(ctx context.Context, key string) bool

	// Clear removes every entry in the backend's scope.
	Clear(ctx context.Context) error

	// Keys returns all live keys matching pattern, where '*' matches any run
	// of characters. An empty pattern matches everything.
	Keys(ctx context.Context, pattern string) []string

	// Cleanup removes expired entries and returns how many were evicted.
	// Safe to call from a periodic task; eviction-on-read remains the
	// authoritative expiration mechanism.
	Cleanup(ctx context.Context) int

	// Stats returns a snapshot of the counters.
	Stats() Stats

	// HealthCheck reports backend liveness (a ping for Redis, always true
	// for the in-process backend).
	HealthCheck(ctx context.Context) bool
}

// counters tracks cache activity with atomics so backends can update them
// outside their critical sections.
type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64
}

func (c *counters) snapshot(size int) Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.evictions.Store(0)
}

// namespaced applies the SetOptions namespace prefix.
func namespaced(key string, opts SetOptions) string {
	if opts.Namespace == "" {
		return key
	}
	return opts.Namespace + ":" + key
}

// globMatch reports whether s matches pattern, where '*' matches any run of
// characters (including the empty run). No other metacharacters exist.
func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")

	// No wildcard — exact match.
	if len(parts) == 1 {
		return s == pattern
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}

	return strings.HasSuffix(s, last)
}
