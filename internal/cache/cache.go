// Package cache memoizes directory listings for the duration of one logical
// operation. A PathCache must not be shared between unrelated transfers.
package cache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/jaywantadh/ferry/internal/remote"
)

// DefaultSize bounds the number of cached directories.
const DefaultSize = 1000

// PathCache maps a parent directory to its listing snapshot.
type PathCache struct {
	entries *lru.Cache
}

// New returns a cache holding at most size listings. A size <= 0 returns an
// empty cache.
func New(size int) *PathCache {
	if size <= 0 {
		return Empty()
	}
	entries, err := lru.New(size)
	if err != nil {
		return Empty()
	}
	return &PathCache{entries: entries}
}

// Empty returns a cache that never stores anything.
func Empty() *PathCache {
	return &PathCache{}
}

// Get returns the cached listing of dir.
func (c *PathCache) Get(dir remote.Path) (remote.List, bool) {
	if c == nil || c.entries == nil {
		return remote.List{}, false
	}
	v, ok := c.entries.Get(dir.Abs())
	if !ok {
		return remote.List{}, false
	}
	return v.(remote.List), true
}

// Put stores the listing of dir.
func (c *PathCache) Put(dir remote.Path, list remote.List) {
	if c == nil || c.entries == nil {
		return
	}
	c.entries.Add(dir.Abs(), list)
}

// Lookup finds p in the cached listing of its parent. cached is false when the
// parent has not been listed, in which case found carries no information.
func (c *PathCache) Lookup(p remote.Path) (entry remote.Path, found, cached bool) {
	list, ok := c.Get(p.Parent())
	if !ok {
		return remote.Path{}, false, false
	}
	entry, found = list.Get(p)
	return entry, found, true
}

// Invalidate drops the listing of dir.
func (c *PathCache) Invalidate(dir remote.Path) {
	if c == nil || c.entries == nil {
		return
	}
	c.entries.Remove(dir.Abs())
}

// Clear drops every listing.
func (c *PathCache) Clear() {
	if c == nil || c.entries == nil {
		return
	}
	c.entries.Purge()
}

// Len returns the number of cached listings.
func (c *PathCache) Len() int {
	if c == nil || c.entries == nil {
		return 0
	}
	return c.entries.Len()
}
