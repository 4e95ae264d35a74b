package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits or denies one request for a caller-chosen identifier. On
// denial, retryAfter is how long the caller should wait before trying again.
// Both the in-process and the Redis-backed sliding windows implement it.
type Limiter interface {
	Allow(ctx context.Context, id string) (ok bool, retryAfter time.Duration)
}

var (
	_ Limiter = (*SlidingWindow)(nil)
	_ Limiter = (*RedisSlidingWindow)(nil)
)

// SlidingWindowConfig tunes a SlidingWindow limiter.
type SlidingWindowConfig struct {
	// Window is the counting window length. Default: 1m.
	Window time.Duration

	// MaxRequests is the number of admissions per window per identifier.
	// Default: 60.
	MaxRequests int
}

func (c SlidingWindowConfig) withDefaults() SlidingWindowConfig {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests < 1 {
		c.MaxRequests = 60
	}
	return c
}

type window struct {
	start time.Time
	count int
}

// SlidingWindow is an in-process admission-control limiter keyed by a
// caller-chosen identifier (hashed API key, client IP). It is consumed by
// the HTTP edge; the adapter pipeline does not consult it.
//
// Circuit-breaker refusals are not counted — a refused call never reached
// the upstream, so it does not spend the caller's budget.
type SlidingWindow struct {
	mu      sync.Mutex
	cfg     SlidingWindowConfig
	windows map[string]*window
}

// NewSlidingWindow creates a limiter with the given configuration.
func NewSlidingWindow(cfg SlidingWindowConfig) *SlidingWindow {
	return &SlidingWindow{
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*window),
	}
}

// Allow admits or denies one request for id. On denial, retryAfter is the
// time until the current window ends. The context is ignored; it exists to
// satisfy Limiter.
func (l *SlidingWindow) Allow(_ context.Context, id string) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[id]
	if !exists || now.Sub(w.start) >= l.cfg.Window {
		l.windows[id] = &window{start: now, count: 1}
		l.pruneLocked(now)
		return true, 0
	}

	if w.count < l.cfg.MaxRequests {
		w.count++
		return true, 0
	}

	return false, w.start.Add(l.cfg.Window).Sub(now)
}

// Remaining returns the admissions left for id in its current window.
func (l *SlidingWindow) Remaining(id string) int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[id]
	if !exists || now.Sub(w.start) >= l.cfg.Window {
		return l.cfg.MaxRequests
	}
	return l.cfg.MaxRequests - w.count
}

// pruneLocked drops expired windows so the map does not grow with dead
// identifiers. Called opportunistically while the lock is held.
func (l *SlidingWindow) pruneLocked(now time.Time) {
	if len(l.windows) < 10_000 {
		return
	}
	for id, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, id)
		}
	}
}

// ── Token bucket ─────────────────────────────────────────────────────────────

// TokenBucket is a secondary limiter for adapters that must respect an
// upstream's per-second cap. It is not wired into the pipeline by default.
type TokenBucket struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens that refills
// at refillPerSec tokens per second.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillPerSec,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// TryConsume takes n tokens if available; it never blocks.
func (b *TokenBucket) TryConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// ── Redis-backed sliding window ──────────────────────────────────────────────

// slidingWindowScript atomically implements a sliding window over a sorted
// set so the limit holds across gateway replicas. Timestamps are in
// milliseconds — nanoseconds would lose precision as Lua doubles.
// KEYS[1] = limiter key
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = window size (milliseconds)
// ARGV[3] = max requests per window
// Returns -1 if admitted, otherwise the milliseconds until a slot frees up.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			return tonumber(oldest[2]) + window - now
		end

		local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window)
		return -1
`)

// RedisSlidingWindow enforces a per-identifier limit shared across process
// instances. When Redis is unreachable the limiter admits every request —
// availability is preferred over strict limiting.
type RedisSlidingWindow struct {
	rdb *redis.Client
	cfg SlidingWindowConfig
}

// NewRedisSlidingWindow creates a Redis-backed limiter.
func NewRedisSlidingWindow(rdb *redis.Client, cfg SlidingWindowConfig) *RedisSlidingWindow {
	return &RedisSlidingWindow{rdb: rdb, cfg: cfg.withDefaults()}
}

// Allow admits or denies one request for id. On denial, retryAfter is the
// time until the oldest counted request leaves the window.
func (l *RedisSlidingWindow) Allow(ctx context.Context, id string) (ok bool, retryAfter time.Duration) {
	now := time.Now().UnixMilli()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{"ratelimit:" + id},
		now, l.cfg.Window.Milliseconds(), l.cfg.MaxRequests,
	).Int64()
	if err != nil {
		return true, 0 // Redis unavailable — degrade to allow
	}

	if result < 0 {
		return true, 0
	}
	retryAfter = time.Duration(result) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return false, retryAfter
}
