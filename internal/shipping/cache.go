package shipping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// weightBracketGrams buckets total weight so near-identical carts share a
// cache entry.
const weightBracketGrams = 500

// RateCache is an in-process TTL cache over carrier rate lookups. Entries
// are evicted lazily on read.
type RateCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	nowFunc func() time.Time
}

type cacheEntry struct {
	quote    Quote
	cachedAt time.Time
}

// NewRateCache returns a cache with the given entry TTL.
func NewRateCache(ttl time.Duration) *RateCache {
	return &RateCache{
		entries: map[string]cacheEntry{},
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// CacheKey derives the lookup key from the quote inputs.
func CacheKey(originZip, destZip string, totalWeightGrams int, serviceLevel string) string {
	bracket := (totalWeightGrams + weightBracketGrams - 1) / weightBracketGrams
	canon := fmt.Sprintf("%s|%s|%d|%s", originZip, destZip, bracket, serviceLevel)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:16])
}

// Get returns the cached quote for key if it is still fresh.
func (c *RateCache) Get(key string) (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Quote{}, false
	}
	if c.nowFunc().Sub(entry.cachedAt) >= c.ttl {
		delete(c.entries, key)
		return Quote{}, false
	}
	return entry.quote, true
}

// Put stores a quote. Fallback quotes are never cached: a carrier outage
// should not pin the fallback rate for the full TTL.
func (c *RateCache) Put(key string, q Quote) {
	if q.FallbackUsed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{quote: q, cachedAt: c.nowFunc()}
}
