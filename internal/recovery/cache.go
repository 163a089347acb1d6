package recovery

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"Shardkeep/internal/candidate"
)

// entryOverhead approximates the bookkeeping bytes of one cache entry.
const entryOverhead = 96

// cacheEntry is a positive (payload) or negative (err) recovery result.
type cacheEntry struct {
	key     candidate.Hash // key is the candidate digest
	payload []byte         // payload is the recovered data, nil for negative entries
	err     error          // err is the remembered failure
	expires time.Time      // expires is set for negative entries only
	size    int64          // size is the budget charge
	tick    uint64         // tick is the cache clock at the last use

	prev, next *cacheEntry
}

// cacheShard is an independently locked LRU list.
type cacheShard struct {
	mu    sync.Mutex
	items map[candidate.Hash]*cacheEntry
	head  cacheEntry    // head.next is the most recently used entry
	total *atomic.Int64 // total is the cache-wide charge
}

// Cache holds recently recovered payloads under a byte budget. Keys are
// spread over shards by xxhash so lookups for unrelated candidates do not
// contend. The budget is shared by all shards: any entry up to the whole
// budget fits, and eviction drops the least recently used entry across
// shards.
type Cache struct {
	shards      []*cacheShard
	mask        uint64
	budget      int64
	bytes       atomic.Int64  // bytes is the current charge
	clock       atomic.Uint64 // clock orders uses across shards
	negativeTTL time.Duration
	now         func() time.Time
}

// NewCache creates a cache with the given total byte budget.
func NewCache(budget int64, shards int, negativeTTL time.Duration) *Cache {
	n := 1
	for n < shards {
		n <<= 1
	}

	c := &Cache{
		shards:      make([]*cacheShard, n),
		mask:        uint64(n - 1),
		budget:      budget,
		negativeTTL: negativeTTL,
		now:         time.Now,
	}

	for i := range c.shards {
		s := &cacheShard{items: make(map[candidate.Hash]*cacheEntry), total: &c.bytes}
		s.head.prev = &s.head
		s.head.next = &s.head
		c.shards[i] = s
	}

	return c
}

func (c *Cache) shard(key candidate.Hash) *cacheShard {
	return c.shards[xxhash.Sum64(key[:])&c.mask]
}

// Get returns the cached result for key. ok is false on a miss or an
// expired negative entry.
func (c *Cache) Get(key candidate.Hash) (payload []byte, err error, ok bool) {
	s := c.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.items[key]
	if !found {
		return nil, nil, false
	}

	if e.err != nil && !c.now().Before(e.expires) {
		s.remove(e)
		return nil, nil, false
	}

	e.tick = c.clock.Add(1)
	s.moveToFront(e)

	return e.payload, e.err, true
}

// Put caches a recovered payload. Payloads larger than the whole budget are
// not cached.
func (c *Cache) Put(key candidate.Hash, payload []byte) {
	c.put(&cacheEntry{key: key, payload: payload, size: int64(len(payload)) + entryOverhead})
}

// PutNegative remembers a failure for the negative TTL.
func (c *Cache) PutNegative(key candidate.Hash, err error) {
	c.put(&cacheEntry{key: key, err: err, expires: c.now().Add(c.negativeTTL), size: entryOverhead})
}

func (c *Cache) put(e *cacheEntry) {
	if e.size > c.budget {
		return
	}

	s := c.shard(e.key)

	s.mu.Lock()
	if old, found := s.items[e.key]; found {
		s.remove(old)
	}

	e.tick = c.clock.Add(1)
	s.items[e.key] = e
	c.bytes.Add(e.size)
	s.pushFront(e)
	s.mu.Unlock()

	for c.bytes.Load() > c.budget && c.evictOldest(e) {
	}
}

// evictOldest drops the least recently used entry other than keep. It
// returns false when there is nothing left to drop.
func (c *Cache) evictOldest(keep *cacheEntry) bool {
	var victim *cacheShard
	oldest := uint64(math.MaxUint64)

	for _, s := range c.shards {
		s.mu.Lock()
		if e := s.tail(keep); e != nil && e.tick < oldest {
			oldest, victim = e.tick, s
		}
		s.mu.Unlock()
	}

	if victim == nil {
		return false
	}

	victim.mu.Lock()
	if e := victim.tail(keep); e != nil {
		victim.remove(e)
	}
	victim.mu.Unlock()

	return true
}

// Delete drops any result cached for key.
func (c *Cache) Delete(key candidate.Hash) {
	s := c.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, found := s.items[key]; found {
		s.remove(e)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}

	return n
}

// Bytes returns the current budget charge.
func (c *Cache) Bytes() int64 {
	return c.bytes.Load()
}

// tail returns the least recently used entry of the shard other than keep.
func (s *cacheShard) tail(keep *cacheEntry) *cacheEntry {
	e := s.head.prev
	if e == keep {
		e = e.prev
	}

	if e == &s.head {
		return nil
	}

	return e
}

func (s *cacheShard) pushFront(e *cacheEntry) {
	e.prev = &s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

func (s *cacheShard) moveToFront(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	s.pushFront(e)
}

func (s *cacheShard) remove(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil

	delete(s.items, e.key)
	s.total.Add(-e.size)
}
