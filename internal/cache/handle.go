package cache

// Handle is an exclusive, scoped view of one cache entry.
//
// Holding a handle locks the entry; other Gets for the same key block until
// Release. Mutations only mark the entry dirty at Release, so reads never
// trigger a write-back.
type Handle[K comparable, V any] struct {
	cache    *Cache[K, V]
	key      K
	e        *entry[V]
	modified bool
	released bool
}

func (h *Handle[K, V]) Key() K { return h.key }

// Value returns the cached value. Reference fields (slices, maps) share
// storage with the entry and must only be changed through Update.
func (h *Handle[K, V]) Value() V {
	h.mustHold()
	return h.e.value
}

// Update mutates the value in place.
func (h *Handle[K, V]) Update(fn func(v *V)) {
	h.mustHold()
	fn(&h.e.value)
	h.modified = true
}

// Set replaces the value.
func (h *Handle[K, V]) Set(v V) {
	h.mustHold()
	h.e.value = v
	h.modified = true
}

// Release marks the entry dirty if it was modified and unlocks it.
// Calling Release more than once is a no-op.
func (h *Handle[K, V]) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	if h.modified {
		h.e.dirty = true
	}
	h.e.mu.Unlock()
}

func (h *Handle[K, V]) mustHold() {
	if h.released {
		panic("cache: use of released handle for " + h.cache.name)
	}
}
