package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/pkg/metrics"
)

// MemoryCache is a cost-bounded LRU cache of decoded assets.
//
// After every [MemoryCache.Set] call the total cost of all entries doesn't exceed
// the cost limit. Entries are evicted strictly in LRU order, so an entry with
// a cost greater than the limit evicts everything, including itself.
type MemoryCache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[assetcache.Key, memoryItem]
	costLimit int64 // <= 0 means no limit
	totalCost int64
}

type memoryItem struct {
	entry assetcache.Entry
	cost  int64
}

type MemoryCacheStats struct {
	Entries   int
	Cost      int64
	CostLimit int64
}

// NewMemoryCache returns a new [MemoryCache]. A non-positive costLimit or countLimit
// disables the corresponding limit.
func NewMemoryCache(costLimit int64, countLimit int) *MemoryCache {
	if countLimit <= 0 {
		countLimit = math.MaxInt
	}

	c := &MemoryCache{
		costLimit: costLimit,
	}

	var err error
	c.lru, err = simplelru.NewLRU(countLimit, c.onEvict)
	if err != nil {
		// Impossible: size is always positive.
		panic(err)
	}
	return c
}

// onEvict is called by the lru under c.mu.
func (c *MemoryCache) onEvict(_ assetcache.Key, item memoryItem) {
	c.totalCost -= item.cost
}

// Get returns the entry and marks it as the most recently used one.
func (c *MemoryCache) Get(key assetcache.Key) (assetcache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Get(key)
	if !ok {
		metrics.MemoryCacheMisses.Inc()
		return assetcache.Entry{}, false
	}

	metrics.MemoryCacheHits.Inc()
	return item.entry, true
}

// Contains reports whether the key is cached without updating its recency.
func (c *MemoryCache) Contains(key assetcache.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Contains(key)
}

// Set inserts or replaces the entry and evicts the least recently used entries
// until the total cost fits the limit.
func (c *MemoryCache) Set(key assetcache.Key, entry assetcache.Entry, cost int64) {
	if cost < 0 {
		cost = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		// The lru doesn't call onEvict for replaced values.
		c.totalCost -= old.cost
	}

	c.totalCost += cost
	if c.lru.Add(key, memoryItem{entry: entry, cost: cost}) {
		metrics.MemoryCacheEvictions.Inc()
	}

	for c.costLimit > 0 && c.totalCost > c.costLimit {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		metrics.MemoryCacheEvictions.Inc()
	}

	c.updateMetrics()
}

// RemoveAll removes all entries.
func (c *MemoryCache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.totalCost = 0

	c.updateMetrics()
}

func (c *MemoryCache) Stats() MemoryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return MemoryCacheStats{
		Entries:   c.lru.Len(),
		Cost:      c.totalCost,
		CostLimit: c.costLimit,
	}
}

// keys returns all keys from the least recently used to the most recently used.
func (c *MemoryCache) keys() []assetcache.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Keys()
}

func (c *MemoryCache) updateMetrics() {
	metrics.MemoryCacheCost.Set(float64(c.totalCost))
	metrics.MemoryCacheEntries.Set(float64(c.lru.Len()))
}
