package bucket

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the bounded, process-wide descriptor cache. Entries are
// whole descriptors, replaced atomically; readers never observe a
// partially built bucket.
type Cache struct {
	lru *lru.Cache[string, *Bucket]
}

// DefaultCacheSize bounds the cache when the caller does not choose.
const DefaultCacheSize = 100

// NewCache builds a cache holding at most capacity descriptors.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	// New only fails on a non-positive size.
	l, _ := lru.New[string, *Bucket](capacity)
	return &Cache{lru: l}
}

func cacheKey(name string) string {
	return "/" + name
}

// Get returns the cached descriptor for name, if any.
func (c *Cache) Get(name string) (*Bucket, bool) {
	return c.lru.Get(cacheKey(name))
}

// Put installs a descriptor, displacing any previous entry.
func (c *Cache) Put(b *Bucket) {
	c.lru.Add(cacheKey(b.Name), b)
}

// Invalidate drops the entry for name. Used on schema drift, i.e. when
// a row's version stamp proves the cached descriptor is stale.
func (c *Cache) Invalidate(name string) {
	c.lru.Remove(cacheKey(name))
}
