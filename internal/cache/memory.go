package cache

import (
	"context"
	"sync"
	"time"
)

// item is one session token or login challenge with its deadline.
type item struct {
	data     []byte
	deadline time.Time
}

func (it item) liveAt(now time.Time) bool {
	return now.Before(it.deadline)
}

// MemoryCache keeps sessions and login challenges in process memory. It
// serves the devnet and single-instance deployments; a cluster shares state
// through RedisCache instead.
//
// Expired entries are invisible immediately and swept in the background.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithSweepInterval sets how often expired entries are dropped.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithMemoryClock overrides the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates the cache and starts its sweeper. Call Close to
// stop it.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items:      make(map[string]item),
		now:        time.Now,
		sweepEvery: time.Minute,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()
	return c
}

// Get returns a copy of the value stored under key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !it.liveAt(c.now()) {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.data...), nil
}

// Set stores a copy of value until ttl elapses. A session refresh simply
// overwrites the previous deadline.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	it := item{data: append([]byte(nil), value...), deadline: c.now().Add(ttl)}

	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

// Delete drops key, as on logout.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live value.
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	return ok && it.liveAt(c.now()), nil
}

// Take removes key and returns its value. Login challenges are consumed this
// way, so a signed challenge can be redeemed once. An expired entry is
// removed too and reported as a miss.
func (c *MemoryCache) Take(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	it, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()

	if !ok || !it.liveAt(c.now()) {
		return nil, ErrCacheMiss
	}
	// The entry is gone from the map, so its buffer can be handed over.
	return it.data, nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, it := range c.items {
		if it.liveAt(now) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired entries and returns how many it removed.
func (c *MemoryCache) sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, it := range c.items {
		if !it.liveAt(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

var _ Cache = (*MemoryCache)(nil)
