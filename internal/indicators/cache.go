// Package indicators implements the indicator cache (C11) and the
// pre-computation pipeline that keeps hot symbols warm (C12), per spec
// §4.9-§4.10.
package indicators

import (
	"sync"
	"sync/atomic"
	"time"
)

// ComputeFunc produces the value to cache for a given key.
type ComputeFunc func() (any, error)

type entry struct {
	mu       sync.Mutex
	value    any
	storedAt time.Time
	ttl      time.Duration
	hasValue bool
}

func (e *entry) fresh(now time.Time) bool {
	return e.hasValue && now.Before(e.storedAt.Add(e.ttl))
}

// Cache is a TTL-based key/value store safe for many concurrent readers
// and periodic writers. A per-key mutex enforces the single-writer
// discipline the spec requires without serialising unrelated keys.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	softCap int
	ttl     time.Duration

	hits   int64
	misses int64
}

// New creates a Cache. ttl is the default entry lifetime (spec default 5s);
// softCap is the size above which a lazy eviction sweep runs (spec
// default 100).
func New(ttl time.Duration, softCap int) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		softCap: softCap,
		ttl:     ttl,
	}
}

// Peek returns the cached value for key without triggering a compute,
// reporting ok=false if there is none or it has expired.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fresh(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for key if it is still within its
// TTL; otherwise it calls compute, stores the result, and returns it. ttl
// of zero uses the cache's default.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute ComputeFunc) (any, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	e := c.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.fresh(now) {
		atomic.AddInt64(&c.hits, 1)
		return e.value, nil
	}

	atomic.AddInt64(&c.misses, 1)
	v, err := compute()
	if err != nil {
		return nil, err
	}
	e.value = v
	e.storedAt = now
	e.ttl = ttl
	e.hasValue = true
	return v, nil
}

// Set stores v under key with the given ttl (0 = default), bypassing
// compute. Used by the pre-computation pipeline's bulk writes.
func (c *Cache) Set(key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
	e.storedAt = time.Now()
	e.ttl = ttl
	e.hasValue = true
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[key]; ok {
		return e
	}
	e = &entry{}
	c.entries[key] = e
	if len(c.entries) > c.softCap {
		c.sweepLocked()
	}
	return e
}

// sweepLocked removes expired entries. Callers must hold c.mu for writing.
func (c *Cache) sweepLocked() {
	now := time.Now()
	for k, e := range c.entries {
		e.mu.Lock()
		expired := e.hasValue && !now.Before(e.storedAt.Add(e.ttl))
		e.mu.Unlock()
		if expired {
			delete(c.entries, k)
		}
	}
}

// Stats is a point-in-time snapshot of cache hit/miss counters.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Size    int
}

// Stats returns the current hit/miss counts and derived hit rate.
func (c *Cache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRate: rate, Size: size}
}
