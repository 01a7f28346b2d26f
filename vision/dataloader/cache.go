package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tsawler/leafnet/vision/preprocessing"
)

const defaultCacheSize = 1000

// CacheManager is an LRU cache of decoded, resized images keyed by path.
// It can be shared between DataLoaders.
type CacheManager struct {
	*lru.Cache
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache holding at most maxSize images
func NewCacheManager(maxSize int) (*CacheManager, error) {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &CacheManager{Cache: c, maxSize: maxSize}, nil
}

// Get retrieves an image from the cache
func (cm *CacheManager) Get(key string) (*preprocessing.ProcessedImage, bool) {
	if v, ok := cm.Cache.Get(key); ok {
		cm.hits.Add(1)
		return v.(*preprocessing.ProcessedImage), true
	}
	cm.misses.Add(1)
	return nil, false
}

// Put adds an image, evicting the least recently used entry when full
func (cm *CacheManager) Put(key string, img *preprocessing.ProcessedImage) {
	cm.Cache.Add(key, img)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits, misses := cm.hits.Load(), cm.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    cm.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
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
