/*
cache.go - Bounded LRU cache in front of Store reads

PURPOSE:
  A read-through, write-invalidated cache keyed by account id. Purely an
  optimization: the Store stays authoritative at all times and a miss is
  always safe.

SIZING:
  Capacity defaults to 1000 entries, sized for the account cardinality of a
  personal-finance app, not transaction cardinality.

INVALIDATION:
  SmartInvalidate removes exactly the accounts a transaction references
  (source, and target for transfers), never a blanket flush. This keeps the
  hit rate high during bulk operations that touch a small account subset
  repeatedly. InvalidateAll is reserved for whole-system recalculation.

CONCURRENCY:
  The LRU structure is guarded by a lock local to the cache. Readers racing a
  concurrent eviction observe a miss, never incorrect data.
*/
package balance

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/warp/balance-engine/observability"
)

// DefaultCacheCapacity bounds the cache to the account cardinality expected
// of a personal-finance app.
const DefaultCacheCapacity = 1000

// =============================================================================
// CACHE MANAGER
// =============================================================================

// CacheManager is a bounded LRU of AccountBalance records.
type CacheManager struct {
	mu  sync.Mutex
	lru *lru.LRU[AccountID, AccountBalance]

	hits    atomic.Int64
	misses  atomic.Int64
	metrics *observability.Metrics
}

// CacheStats reports hit/miss counters. Observability only, never used for
// correctness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	HitRate float64
}

// NewCacheManager creates a cache with the given capacity. Capacity values
// below one fall back to DefaultCacheCapacity. Metrics may be nil.
func NewCacheManager(capacity int, metrics *observability.Metrics) *CacheManager {
	if capacity < 1 {
		capacity = DefaultCacheCapacity
	}
	// Error only occurs for non-positive sizes, which are normalized above.
	l, _ := lru.NewLRU[AccountID, AccountBalance](capacity, nil)
	return &CacheManager{lru: l, metrics: metrics}
}

// Get returns the cached record for the account, if present. On a miss the
// caller fetches from the Store and calls Put.
func (c *CacheManager) Get(id AccountID) (AccountBalance, bool) {
	c.mu.Lock()
	b, ok := c.lru.Get(id)
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
		if c.metrics != nil {
			c.metrics.IncrCacheHit("balances")
		}
		return b, true
	}
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.IncrCacheMiss("balances")
	}
	return AccountBalance{}, false
}

// Put inserts or refreshes the record, evicting the least-recently-used
// entry when at capacity.
func (c *CacheManager) Put(id AccountID, b AccountBalance) {
	c.mu.Lock()
	c.lru.Add(id, b)
	c.mu.Unlock()
}

// Invalidate removes the given accounts from the cache.
func (c *CacheManager) Invalidate(ids ...AccountID) {
	c.mu.Lock()
	for _, id := range ids {
		c.lru.Remove(id)
	}
	c.mu.Unlock()
}

// SmartInvalidate removes exactly the accounts referenced by the given
// transactions: the source account, and the target for transfers.
func (c *CacheManager) SmartInvalidate(txs ...Transaction) {
	c.mu.Lock()
	for _, tx := range txs {
		for _, id := range tx.AffectedAccounts() {
			c.lru.Remove(id)
		}
	}
	c.mu.Unlock()
}

// InvalidateAll flushes the cache. Used after whole-system recalculation.
func (c *CacheManager) InvalidateAll() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *CacheManager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cumulative hit/miss counters.
func (c *CacheManager) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	return stats
}
