package cache

import (
	"container/list"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/fetchd/models"
)

// maxShards bounds the number of independently locked shards.
const maxShards = 16

// entry holds a cached extraction with its expiry bookkeeping.
type entry struct {
	key      string
	value    models.Extracted
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.storedAt.Add(e.ttl))
}

// shard is one independently locked LRU segment.
type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

// Config configures a Cache.
type Config struct {
	// Capacity is the maximum number of entries across all shards.
	Capacity int
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are purged in the
	// background. 0 disables the background loop.
	CleanupInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is a bounded in-memory store of extracted data keyed by target key.
// Entries expire after their TTL and the least recently used entry of a
// shard is evicted when that shard is full. It is safe for concurrent use.
type Cache struct {
	shards     []*shard
	defaultTTL time.Duration
	now        func() time.Time
	done       chan struct{}
	once       sync.Once

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	capacity    int
}

// New creates a Cache. Capacity is split across up to 16 shards so that the
// sum of shard capacities equals cfg.Capacity exactly.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	n := min(maxShards, cfg.Capacity)
	c := &Cache{
		shards:     make([]*shard, n),
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		done:       make(chan struct{}),
		capacity:   cfg.Capacity,
	}
	base, extra := cfg.Capacity/n, cfg.Capacity%n
	for i := range c.shards {
		capacity := base
		if i < extra {
			capacity++
		}
		c.shards[i] = &shard{
			capacity: capacity,
			items:    make(map[string]*list.Element, capacity),
			order:    list.New(),
		}
	}

	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the live value stored under key. An expired entry is removed
// and reported as a miss.
func (c *Cache) Get(key string) (models.Extracted, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(now) {
		s.removeLocked(el)
		s.mu.Unlock()
		c.expirations.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	s.order.MoveToFront(el)
	s.mu.Unlock()

	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key for ttl (DefaultTTL when ttl <= 0). A full
// shard first drops expired entries, then its least recently used entry.
func (c *Cache) Set(key string, value models.Extracted, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		e.value, e.storedAt, e.ttl = value, now, ttl
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.capacity {
		c.expirations.Add(uint64(s.purgeExpiredLocked(now)))
	}
	for s.order.Len() >= s.capacity {
		s.removeLocked(s.order.Back())
		c.evictions.Add(1)
	}

	s.items[key] = s.order.PushFront(&entry{key: key, value: value, storedAt: now, ttl: ttl})
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el)
	}
	s.mu.Unlock()
}

// Len returns the number of stored entries, including expired entries that
// have not been purged yet.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

// Cleanup purges every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += s.purgeExpiredLocked(now)
		s.mu.Unlock()
	}
	c.expirations.Add(uint64(removed))
	return removed
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		clear(s.items)
		s.order.Init()
		s.mu.Unlock()
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int
	Capacity    int
	Hits        uint64
	Misses      uint64
	HitRate     float64
	Evictions   uint64
	Expirations uint64
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Entries:     c.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (s *shard) removeLocked(el *list.Element) {
	e := s.order.Remove(el).(*entry)
	delete(s.items, e.key)
}

func (s *shard) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).expired(now) {
			s.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// cleanupLoop purges expired entries every interval.
func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				slog.Debug("cache: purged expired entries", "removed", n)
			}
		}
	}
}
