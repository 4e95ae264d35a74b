package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCleanupInterval = 5 * time.Minute

// memEntry stores a cached value together with its expiry bookkeeping.
// A zero ttl means the entry never expires by age.
type memEntry struct {
	key      string
	data     []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e *memEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) > e.ttl
}

// Memory is a bounded in-process LRU cache with per-entry TTL.
//
// It is safe for concurrent use; all operations hold a short critical
// section covering the map and the recency list. A background goroutine
// periodically sweeps expired entries — its cadence does not affect
// correctness because Get evicts expired entries on read.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int

	stats counters

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption customises a Memory cache.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	cleanupInterval time.Duration
}

// WithCleanupInterval overrides the background sweep cadence.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.cleanupInterval = d }
}

// NewMemory creates a Memory cache holding at most capacity entries and
// starts the background cleanup loop. The loop stops when ctx is cancelled
// or Close is called. capacity values < 1 fall back to 1000.
func NewMemory(ctx context.Context, capacity int, opts ...MemoryOption) *Memory {
	if capacity < 1 {
		capacity = 1000
	}

	o := memoryOptions{cleanupInterval: defaultCleanupInterval}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Memory{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go c.cleanupLoop(ctx, o.cleanupInterval)
	return c
}

// Get returns the value for key and refreshes its recency. Expired entries
// are removed on read and counted as evictions.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.stats.misses.Add(1)
		return nil, false
	}

	ent := el.Value.(*memEntry)
	if ent.expired(time.Now()) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.stats.evictions.Add(1)
		c.stats.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(el)
	data := ent.data
	c.mu.Unlock()

	c.stats.hits.Add(1)
	return data, true
}

// Set stores value under key, overwriting any existing entry. When the cache
// is full the least recently used entry is evicted.
func (c *Memory) Set(_ context.Context, key string, value []byte, opts SetOptions) error {
	key = namespaced(key, opts)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*memEntry)
		ent.data = value
		ent.storedAt = time.Now()
		ent.ttl = opts.TTL
		c.order.MoveToFront(el)
		c.mu.Unlock()
		c.stats.sets.Add(1)
		return nil
	}

	el := c.order.PushFront(&memEntry{
		key:      key,
		data:     value,
		storedAt: time.Now(),
		ttl:      opts.TTL,
	})
	c.items[key] = el

	evicted := 0
	for len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		evicted++
	}
	c.mu.Unlock()

	c.stats.sets.Add(1)
	c.stats.evictions.Add(uint64(evicted))
	return nil
}

// Delete removes key. Returns true iff an entry was removed.
func (c *Memory) Delete(_ context.Context, key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if ok {
		c.stats.deletes.Add(1)
	}
	return ok
}

// Has reports whether key currently holds a live value. Unlike Get it does
// not refresh recency or count a hit/miss.
func (c *Memory) Has(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	return !el.Value.(*memEntry).expired(time.Now())
}

// Clear removes all entries and resets the counters.
func (c *Memory) Clear(_ context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	c.stats.reset()
	return nil
}

// Keys returns all live, non-expired keys matching pattern.
func (c *Memory) Keys(_ context.Context, pattern string) []string {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for k, el := range c.items {
		if el.Value.(*memEntry).expired(now) {
			continue
		}
		if globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Cleanup removes every expired entry and returns how many were evicted.
func (c *Memory) Cleanup(_ context.Context) int {
	now := time.Now()

	c.mu.Lock()
	var stale []*list.Element
	for _, el := range c.items {
		if el.Value.(*memEntry).expired(now) {
			stale = append(stale, el)
		}
	}
	for _, el := range stale {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	c.stats.evictions.Add(uint64(len(stale)))
	return len(stale)
}

// Stats returns a snapshot of the counters.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return c.stats.snapshot(size)
}

// HealthCheck always reports true — the in-process backend cannot be down.
func (c *Memory) HealthCheck(_ context.Context) bool { return true }

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Memory) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Memory) removeLocked(el *list.Element) {
	ent := el.Value.(*memEntry)
	delete(c.items, ent.key)
	c.order.Remove(el)
}

func (c *Memory) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup(ctx)
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
