// Package cache provides a keyed index of shared objects that the cache
// itself never owns. Owners register weak handles; Get hands back the live
// object when it is still referenced somewhere else and reports a miss
// otherwise. Expired entries are swept lazily.
//
// The cache does no locking of its own. The owner of the cached objects
// serializes all calls (the disk does so under its bookkeeping mutex, the
// inode table under its own).
package cache

// A Weak handle reports whether its object is still live. Value must return
// the object only while the owner still counts a strong reference to it;
// once it reports false the entry is dead and will be swept.
type Weak[V any] interface {
	Value() (V, bool)
}

const sweepLowWater uint64 = 16

type Cache[K comparable, V any] struct {
	nextSweep uint64
	entries   map[K]Weak[V]
}

func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		nextSweep: sweepLowWater,
		entries:   make(map[K]Weak[V]),
	}
}

// Put stores or overwrites the entry for k, then gives the cache a chance to
// shed expired entries.
func (c *Cache[K, V]) Put(k K, w Weak[V]) {
	c.entries[k] = w
	c.Sweep(false)
}

// Get returns the live object for k. A false result is a cache miss, not an
// error: either no entry exists or its object has expired.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	if w, ok := c.entries[k]; ok {
		if v, live := w.Value(); live {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Sweep removes every expired entry. Unless forced it only runs once the map
// has grown past the current threshold; afterwards the threshold is reset to
// the surviving size (never below the low-water mark).
func (c *Cache[K, V]) Sweep(force bool) {
	if !force && uint64(len(c.entries)) < c.nextSweep {
		return
	}

	for k, w := range c.entries {
		if _, live := w.Value(); !live {
			delete(c.entries, k)
		}
	}

	c.nextSweep = sweepLowWater
	if n := uint64(len(c.entries)); n > sweepLowWater {
		c.nextSweep = n
	}
}

// Len counts current entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() uint64 {
	return uint64(len(c.entries))
}
