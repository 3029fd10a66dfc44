package intake

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/groupcache/lru"
)

// Dedup passes on the first sighting of each infohash and suppresses the
// repeats seen within window. One Dedup is shared by all identities of a
// process, so an infohash reaching several of them is emitted once.
type Dedup struct {
	mu     sync.Mutex
	seen   *lru.Cache
	window time.Duration
	clock  clock.Clock
	next   Sink
}

// NewDedup remembers up to size infohashes. A zero window suppresses repeats
// for as long as the infohash stays in memory.
func NewDedup(next Sink, size int, window time.Duration, clk clock.Clock) *Dedup {
	if clk == nil {
		clk = clock.New()
	}
	return &Dedup{seen: lru.New(size), window: window, clock: clk, next: next}
}

func (d *Dedup) Emit(s Sighting) bool {
	now := d.clock.Now()
	key := string(s.InfoHash)
	d.mu.Lock()
	if v, ok := d.seen.Get(key); ok {
		if d.window <= 0 || now.Sub(v.(time.Time)) < d.window {
			d.mu.Unlock()
			duplicates.Inc()
			return false
		}
	}
	d.seen.Add(key, now)
	d.mu.Unlock()
	return d.next.Emit(s)
}

// Len is the number of remembered infohashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}
