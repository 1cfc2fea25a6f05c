package relational

// dedupCache is a fixed-capacity set of recently seen dedup hashes. When the
// set grows past capacity the oldest half (insertion order, not recency of
// access) is evicted in bulk. This is an approximate size-bound cache, not
// LRU: the table's unique constraint remains the authoritative guard.
type dedupCache struct {
	capacity int
	seen     map[uint64]struct{}
	order    []uint64
}

func newDedupCache(capacity int) *dedupCache {
	if capacity < 2 {
		capacity = 2
	}
	return &dedupCache{
		capacity: capacity,
		seen:     make(map[uint64]struct{}, capacity),
	}
}

// CheckAndAdd reports whether hash was already present and records it
// otherwise.
func (c *dedupCache) CheckAndAdd(hash uint64) bool {
	if _, ok := c.seen[hash]; ok {
		return true
	}
	c.seen[hash] = struct{}{}
	c.order = append(c.order, hash)
	if len(c.order) > c.capacity {
		c.evictOldestHalf()
	}
	return false
}

func (c *dedupCache) Len() int { return len(c.order) }

func (c *dedupCache) evictOldestHalf() {
	cut := len(c.order) / 2
	for _, h := range c.order[:cut] {
		delete(c.seen, h)
	}
	remaining := make([]uint64, len(c.order)-cut)
	copy(remaining, c.order[cut:])
	c.order = remaining
}
