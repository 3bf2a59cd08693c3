package taglib

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/mx-space/imagetag/internal/models"
	"golang.org/x/sync/singleflight"
)

const defaultCacheEntries = 32

// Cache memoizes indexes by dataset content and target language. Datasets
// change rarely; a changed dataset simply hashes to a new entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Index
	limit   int
	group   singleflight.Group
	builds  int
}

// NewCache creates an index cache. limit <= 0 uses the default size.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = defaultCacheEntries
	}
	return &Cache{entries: make(map[string]*Index), limit: limit}
}

// Get returns the index for dataset and lang, building it at most once even
// under concurrent callers.
func (c *Cache) Get(dataset string, lang models.TagLanguage) *Index {
	key := cacheKey(dataset, lang)

	c.mu.RLock()
	idx, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return idx
	}

	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		existing, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built := Build(dataset, lang)

		c.mu.Lock()
		if len(c.entries) >= c.limit {
			c.entries = make(map[string]*Index)
		}
		c.entries[key] = built
		c.builds++
		c.mu.Unlock()
		return built, nil
	})
	return v.(*Index)
}

// Builds returns how many indexes have been constructed.
func (c *Cache) Builds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds
}

func cacheKey(dataset string, lang models.TagLanguage) string {
	sum := sha256.Sum256([]byte(dataset))
	return string(lang) + ":" + hex.EncodeToString(sum[:])
}
