package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryCache is an in-memory LRU cache bounded by tile count
type MemoryCache struct {
	items *lru.Cache[TileKey, []byte]
}

// NewMemoryCache creates a new in-memory LRU cache
func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	items, err := lru.New[TileKey, []byte](max(maxSize, 1))
	if err != nil {
		return nil, err
	}
	return &MemoryCache{items: items}, nil
}

func (c *MemoryCache) Has(key TileKey) bool {
	return c.items.Contains(key)
}

func (c *MemoryCache) Get(key TileKey) ([]byte, bool) {
	return c.items.Get(key)
}

func (c *MemoryCache) Set(key TileKey, value []byte) {
	c.items.Add(key, value)
}

func (c *MemoryCache) Clear() {
	c.items.Purge()
}

func (c *MemoryCache) Len() int {
	return c.items.Len()
}
