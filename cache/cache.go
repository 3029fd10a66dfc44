// Package cache is an expiring key-value store with after-write expiry.
//
// An entry's time-to-live is fixed when it's written and never renewed by
// lookups. The store holds a bounded number of entries; when full, the
// expired entries are dropped first, then the oldest entry by insertion is
// evicted to admit a new one. Expired entries are invisible to lookups.
// Every entry that leaves the cache without being taken live is handed out
// once by Sweep, which can run on a background timer.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"vitess.io/vitess/go/timer"
)

var (
	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_cache_evictions_total",
		Help: "Entries dropped from expiring caches, by reason.",
	}, []string{"reason"})
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Expired is an entry dropped without being taken.
type Expired[K comparable, V any] struct {
	Key   K
	Value V
	// Displaced is set when the entry was still live but had to make room
	// for a newer one.
	Displaced bool
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[K, entry[V]]
	size  int
	clock clock.Clock

	// dropped holds entries removed outside Sweep, until it reports them.
	dropped []Expired[K, V]
	sweeper *timer.Timer
}

// New returns a cache holding at most capacity entries. A nil clk uses the
// wall clock.
func New[K comparable, V any](capacity int, clk clock.Clock) (*Cache[K, V], error) {
	l, err := simplelru.NewLRU[K, entry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache[K, V]{lru: l, size: capacity, clock: clk}, nil
}

// Put stores value under key for ttl. It returns false, leaving the cache
// untouched, if a live entry already exists for key. An expired entry under
// the same key is replaced.
func (c *Cache[K, V]) Put(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if e, ok := c.lru.Peek(key); ok {
		if now.Before(e.expiresAt) {
			return false
		}
		// Re-adding would keep the old insertion position.
		c.lru.Remove(key)
		c.dropped = append(c.dropped, Expired[K, V]{Key: key, Value: e.value})
		evictions.WithLabelValues("expired").Inc()
	}
	if c.lru.Len() >= c.size {
		if n := c.dropExpired(now); n > 0 {
			evictions.WithLabelValues("expired").Add(float64(n))
		}
	}
	if c.lru.Len() >= c.size {
		if k, e, ok := c.lru.RemoveOldest(); ok {
			c.dropped = append(c.dropped, Expired[K, V]{Key: k, Value: e.value, Displaced: true})
			evictions.WithLabelValues("capacity").Inc()
		}
	}
	c.lru.Add(key, entry[V]{value: value, expiresAt: now.Add(ttl)})
	return true
}

// Take removes and returns the live entry for key.
func (c *Cache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.lru.Remove(key)
	if !c.clock.Now().Before(e.expiresAt) {
		c.dropped = append(c.dropped, Expired[K, V]{Key: key, Value: e.value})
		evictions.WithLabelValues("expired").Inc()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Peek returns the live entry for key without removing it.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether a live entry exists for key.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	return ok && c.clock.Now().Before(e.expiresAt)
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep drops every expired entry and returns them, along with the entries
// that left the cache since the last Sweep without being taken. Entries
// come out in the order they were dropped, then oldest first.
func (c *Cache[K, V]) Sweep() []Expired[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.dropExpired(c.clock.Now()); n > 0 {
		evictions.WithLabelValues("expired").Add(float64(n))
	}
	out := c.dropped
	c.dropped = nil
	return out
}

// dropExpired moves expired entries to c.dropped and returns how many it
// moved.
func (c *Cache[K, V]) dropExpired(now time.Time) int {
	n := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok || now.Before(e.expiresAt) {
			continue
		}
		c.lru.Remove(k)
		c.dropped = append(c.dropped, Expired[K, V]{Key: k, Value: e.value})
		n++
	}
	return n
}

// StartSweeper runs Sweep every interval on a background timer, handing
// each non-empty batch to fn. fn may be nil.
func (c *Cache[K, V]) StartSweeper(interval time.Duration, fn func([]Expired[K, V])) {
	c.mu.Lock()
	if c.sweeper != nil {
		c.mu.Unlock()
		return
	}
	c.sweeper = timer.NewTimer(interval)
	t := c.sweeper
	c.mu.Unlock()
	t.Start(func() {
		if dropped := c.Sweep(); len(dropped) > 0 && fn != nil {
			fn(dropped)
		}
	})
}

// Stop halts the background sweeper, if any.
func (c *Cache[K, V]) Stop() {
	c.mu.Lock()
	t := c.sweeper
	c.sweeper = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
