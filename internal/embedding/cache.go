package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// EmbeddingCache is an LRU cache for embeddings keyed by content digest.
type EmbeddingCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
	hits     uint64
	misses   uint64
}

type cacheEntry struct {
	key   string
	value []float32
}

// NewEmbeddingCache creates a new cache with the given capacity.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &EmbeddingCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached embedding for key if present.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).value, true
	}
	c.misses++
	return nil, false
}

// Set stores the embedding for key, evicting the oldest entry if at capacity.
func (c *EmbeddingCache) Set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// HitRate returns hits / (hits + misses), 0 before any lookup.
func (c *EmbeddingCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// CachedExtractor memoizes an Extractor by the SHA-256 of the image bytes.
type CachedExtractor struct {
	Extractor
	cache *EmbeddingCache
}

// NewCachedExtractor wraps next with an LRU of the given capacity.
func NewCachedExtractor(next Extractor, capacity int) *CachedExtractor {
	return &CachedExtractor{Extractor: next, cache: NewEmbeddingCache(capacity)}
}

// Extract returns a cached embedding or computes and caches a new one.
// Callers must not modify the returned slice.
func (c *CachedExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	sum := sha256.Sum256(image)
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.Extractor.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, v)
	return v, nil
}

// CacheStats summarises an embedding cache.
type CacheStats struct {
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns the number of cached embeddings and the hit rate so far.
func (c *CachedExtractor) Stats() CacheStats {
	return CacheStats{Entries: c.cache.Len(), HitRate: c.cache.HitRate()}
}

// Cache exposes the underlying cache for stats.
func (c *CachedExtractor) Cache() *EmbeddingCache {
	return c.cache
}
