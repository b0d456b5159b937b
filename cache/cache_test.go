package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/fetchd/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(capacity int) (*Cache, *testClock) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Capacity: capacity, DefaultTTL: time.Minute, Now: clock.Now}), clock
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(10)
	c.Set("k", models.Extracted{"title": "Hello"}, 0)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "Hello", got["title"])

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(10)
	c.Set("k", models.Extracted{"v": "1"}, 60*time.Second)

	clock.Advance(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "live at t=30s")

	clock.Advance(31 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired at t=61s")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Expirations)
}

func TestCache_DefaultTTL(t *testing.T) {
	c, clock := newTestCache(10)
	c.Set("k", models.Extracted{}, 0)
	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)
	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCache_CapacityNeverExceeded(t *testing.T) {
	c, _ := newTestCache(20)
	for i := 0; i < 500; i++ {
		c.Set(fmt.Sprintf("key-%d", i), models.Extracted{"i": i}, 0)
		require.LessOrEqual(t, c.Len(), 20)
	}
	st := c.Stats()
	assert.Equal(t, 20, st.Capacity)
	assert.Equal(t, uint64(500-c.Len()), st.Evictions)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	// A single shard makes LRU order global.
	c, _ := newTestCache(1)
	c.Set("a", models.Extracted{}, 0)
	c.Set("b", models.Extracted{}, 0)

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestCache_RecentlyReadSurvives(t *testing.T) {
	c := New(Config{Capacity: 2})
	require.Len(t, c.shards, 2)
	// Collapse to one shard so LRU order is global.
	s := c.shards[0]
	s.capacity = 2
	c.shards = []*shard{s}

	c.Set("a", models.Extracted{}, 0)
	c.Set("b", models.Extracted{}, 0)
	_, _ = c.Get("a")
	c.Set("c", models.Extracted{}, 0)

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCache_FullShardPurgesExpiredBeforeEvicting(t *testing.T) {
	c, clock := newTestCache(1)
	c.Set("old", models.Extracted{}, time.Second)
	clock.Advance(2 * time.Second)
	c.Set("new", models.Extracted{}, 0)

	st := c.Stats()
	assert.Equal(t, uint64(0), st.Evictions)
	assert.Equal(t, uint64(1), st.Expirations)
}

func TestCache_OverwriteRefreshesTTL(t *testing.T) {
	c, clock := newTestCache(10)
	c.Set("k", models.Extracted{"v": 1}, 10*time.Second)
	clock.Advance(8 * time.Second)
	c.Set("k", models.Extracted{"v": 2}, 10*time.Second)
	clock.Advance(8 * time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, got["v"])
	assert.Equal(t, 1, c.Len())
}

func TestCache_CleanupAndClear(t *testing.T) {
	c, clock := newTestCache(1000)
	for i := 0; i < 10; i++ {
		ttl := time.Second
		if i%2 == 0 {
			ttl = time.Hour
		}
		c.Set(fmt.Sprintf("k%d", i), models.Extracted{}, ttl)
	}
	clock.Advance(time.Minute)

	assert.Equal(t, 5, c.Cleanup())
	assert.Equal(t, 5, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_ShardCapacitiesSumToCapacity(t *testing.T) {
	for _, capacity := range []int{1, 7, 16, 17, 1000} {
		c := New(Config{Capacity: capacity})
		sum := 0
		for _, s := range c.shards {
			sum += s.capacity
			assert.Positive(t, s.capacity)
		}
		assert.Equal(t, capacity, sum, "capacity %d", capacity)
	}
}

func TestCache_HitRate(t *testing.T) {
	c, _ := newTestCache(10)
	c.Set("k", models.Extracted{}, 0)
	c.Get("k")
	c.Get("k")
	c.Get("k")
	c.Get("nope")
	assert.InDelta(t, 0.75, c.Stats().HitRate, 1e-9)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", g, i%50)
				c.Set(key, models.Extracted{"g": g}, 0)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
