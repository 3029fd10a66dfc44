package cache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, capacity int) (*Cache[string, int], *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	c, err := New[string, int](capacity, clk)
	require.NoError(t, err)
	return c, clk
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New[string, int](0, nil)
	assert.Error(t, err)
}

func TestTakeWithinWindow(t *testing.T) {
	const ttl = 10 * time.Second
	for _, d := range []time.Duration{0, time.Second, ttl - time.Nanosecond} {
		c, clk := newCache(t, 4)
		require.True(t, c.Put("a", 1, ttl))
		clk.Add(d)
		v, ok := c.Take("a")
		assert.True(t, ok, "after %v", d)
		assert.Equal(t, 1, v)
		_, ok = c.Take("a")
		assert.False(t, ok, "take removes the entry")
	}
}

func TestAbsentAtExpiry(t *testing.T) {
	const ttl = 10 * time.Second
	for _, d := range []time.Duration{ttl, ttl + time.Second} {
		c, clk := newCache(t, 4)
		require.True(t, c.Put("a", 1, ttl))
		clk.Add(d)
		assert.False(t, c.Contains("a"))
		_, ok := c.Take("a")
		assert.False(t, ok, "after %v", d)
	}
}

func TestLookupDoesNotRenew(t *testing.T) {
	c, clk := newCache(t, 4)
	c.Put("a", 1, 10*time.Second)
	clk.Add(9 * time.Second)
	assert.True(t, c.Contains("a"))
	clk.Add(time.Second)
	assert.False(t, c.Contains("a"))
}

func TestPutWhileLiveIsRejected(t *testing.T) {
	c, clk := newCache(t, 4)
	require.True(t, c.Put("target", 1, 10*time.Second))
	clk.Add(5 * time.Second)
	assert.False(t, c.Put("target", 2, 10*time.Second))

	// The first entry keeps its value and deadline.
	clk.Add(5 * time.Second)
	assert.False(t, c.Contains("target"))
	assert.True(t, c.Put("target", 3, 10*time.Second))
	v, ok := c.Take("target")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestEvictsOldestInsertion(t *testing.T) {
	c, _ := newCache(t, 3)
	c.Put("a", 1, time.Minute)
	c.Put("b", 2, time.Minute)
	c.Put("c", 3, time.Minute)
	// Lookups must not change eviction order.
	assert.True(t, c.Contains("a"))
	require.True(t, c.Put("d", 4, time.Minute))
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	for _, k := range []string{"b", "c", "d"} {
		assert.True(t, c.Contains(k), k)
	}
}

func TestSweep(t *testing.T) {
	c, clk := newCache(t, 8)
	c.Put("short", 1, 10*time.Second)
	c.Put("long", 2, time.Minute)
	clk.Add(10 * time.Second)

	dropped := c.Sweep()
	require.Len(t, dropped, 1)
	assert.Equal(t, "short", dropped[0].Key)
	assert.Equal(t, 1, dropped[0].Value)
	assert.Equal(t, 1, c.Len())
	assert.Empty(t, c.Sweep())
}

// A query with TTL 10 that gets no answer is purged when it expires, and a
// late reply finds nothing to process.
func TestLateReplyAfterPurge(t *testing.T) {
	c, clk := newCache(t, 8)
	require.True(t, c.Put("tx", 7, 10*time.Second))
	clk.Add(10 * time.Second)
	assert.Len(t, c.Sweep(), 1)
	assert.Zero(t, c.Len())

	clk.Add(time.Second)
	_, ok := c.Take("tx")
	assert.False(t, ok)
}

func TestStartSweeper(t *testing.T) {
	c, err := New[string, int](8, nil)
	require.NoError(t, err)
	c.Put("a", 1, time.Millisecond)

	var swept atomic.Int32
	c.StartSweeper(5*time.Millisecond, func(e []Expired[string, int]) {
		swept.Add(int32(len(e)))
	})
	defer c.Stop()
	assert.Eventually(t, func() bool { return swept.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Len())
}

func TestPeekKeepsEntry(t *testing.T) {
	c, clk := newCache(t, 4)
	c.Put("a", 1, 10*time.Second)
	v, ok := c.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, c.Contains("a"))
	clk.Add(10 * time.Second)
	_, ok = c.Peek("a")
	assert.False(t, ok)
}

func TestFullCacheDropsExpiredBeforeLive(t *testing.T) {
	c, clk := newCache(t, 2)
	require.True(t, c.Put("live", 1, time.Minute))
	require.True(t, c.Put("short", 2, 10*time.Second))
	clk.Add(10 * time.Second)

	require.True(t, c.Put("new", 3, time.Minute))
	assert.True(t, c.Contains("live"), "oldest but still live")
	assert.True(t, c.Contains("new"))

	dropped := c.Sweep()
	require.Len(t, dropped, 1)
	assert.Equal(t, "short", dropped[0].Key)
	assert.False(t, dropped[0].Displaced)
}

// Every entry that leaves the cache untaken shows up in exactly one Sweep,
// including live ones pushed out by a full cache.
func TestDisplacedEntriesAreReported(t *testing.T) {
	c, clk := newCache(t, 2)
	for i, k := range []string{"live1", "live2", "live3"} {
		require.True(t, c.Put(k, i, time.Minute))
	}
	clk.Add(2 * time.Minute)

	dropped := c.Sweep()
	var keys []string
	for _, e := range dropped {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"live1", "live2", "live3"}, keys)
	assert.True(t, dropped[0].Displaced)
	assert.False(t, dropped[1].Displaced)
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Sweep())
}

func TestExpiredTakeIsReported(t *testing.T) {
	c, clk := newCache(t, 4)
	require.True(t, c.Put("a", 1, 10*time.Second))
	clk.Add(10 * time.Second)
	_, ok := c.Take("a")
	require.False(t, ok)

	dropped := c.Sweep()
	require.Len(t, dropped, 1)
	assert.Equal(t, "a", dropped[0].Key)
}
