package validation

import (
	"container/list"
	"sync"
)

// Cache memoizes validation verdicts keyed by (fingerprint, mode), bounded by
// capacity with least-recently-used eviction. Entries are immutable once
// written; re-validating an identical shape is idempotent by contract, so the
// first stored verdict wins if two validations race.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[cacheKey]*list.Element
	order    *list.List // front = most recently used

	hits   int64
	misses int64
}

type cacheKey struct {
	fp   uint64
	mode Mode
}

type cacheEntry struct {
	key      cacheKey
	verdict  Verdict
	hitCount int64
}

// NewCache creates a cache bounded to capacity entries. Capacity below 1 is
// treated as 1.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[cacheKey]*list.Element),
		order:    list.New(),
	}
}

// GetOrValidate returns the cached verdict for the message's structural
// fingerprint in the given mode, invoking validator on a miss. In strict mode
// a strict failure falls back to lenient validation; the stored verdict
// records which mode actually produced it.
//
// The validator runs outside the cache lock, so two goroutines may race to
// validate the same shape; the verdict stored first is the one returned.
func (c *Cache) GetOrValidate(msg map[string]any, validator Validator, mode Mode) Verdict {
	key := cacheKey{fp: Fingerprint(msg), mode: mode}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		ent := el.Value.(*cacheEntry)
		ent.hitCount++
		c.hits++
		v := ent.verdict
		c.mu.Unlock()
		return v
	}
	c.misses++
	c.mu.Unlock()

	verdict := validator.Validate(msg, mode)
	if mode == ModeStrict && verdict.Kind == VerdictFailed {
		if lenient := validator.Validate(msg, ModeLenient); lenient.Kind != VerdictFailed {
			verdict = lenient
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		// Lost the race; keep the immutable first write.
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).verdict
	}
	el := c.order.PushFront(&cacheEntry{key: key, verdict: verdict})
	c.entries[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	return verdict
}

// Stats is a read-only snapshot of cache effectiveness counters.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
}

// Stats returns current hit/miss counters and occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.order.Len(), Capacity: c.capacity}
}

// Clear drops every cached verdict, keeping counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*list.Element)
	c.order.Init()
}
