package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// cachedSample is a transformed sample held by the cache.
type cachedSample struct {
	data  []float32
	shape []int
	label int
}

// CacheManager is an LRU cache of transformed samples keyed by dataset
// index. Cached data is shared and must not be modified by callers.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[int]*list.Element
	lru         *list.List
	maxSize     int
	currentSize int

	// Statistics
	hits   int64
	misses int64
}

type lruEntry struct {
	key    int
	sample cachedSample
}

// NewCacheManager creates a cache holding at most maxSize samples.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key int) (cachedSample, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*lruEntry).sample, true
	}

	cm.misses++
	return cachedSample{}, false
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key int, s cachedSample) {
	if cm.maxSize <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.cache[key] = cm.lru.PushFront(&lruEntry{key: key, sample: s})
	cm.currentSize++

	for cm.currentSize > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.cache, oldest.Value.(*lruEntry).key)
		cm.currentSize--
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
		HitRate: cm.calculateHitRate(),
	}
}

// calculateHitRate calculates the hit rate percentage
func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear clears the cache
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[int]*list.Element)
	cm.lru = list.New()
	cm.currentSize = 0
	// Statistics stay cumulative
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
