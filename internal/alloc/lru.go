package alloc

import (
	"container/list"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kvengine/jdb/internal/errs"
)

// Cache is a get/set/remove capability implemented by NoopCache and
// MapCache (noop_cache.go). FileLRU does not implement it; it exposes
// Acquire/Release/Invalidate instead. No engine read path is
// parameterized on Cache.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Remove(key K)
}

// handle is a refcounted open file owned by exactly one FileLRU entry.
// Readers that obtained a handle via Acquire must call Release exactly
// once; the LRU only closes the underlying *os.File once the refcount
// drops to zero and the entry has actually been evicted.
type handle struct {
	id       uint64
	file     *os.File
	refs     int
	evicted  bool
	elem     *list.Element
}

// FileLRU is a bounded LRU of open file handles keyed by 64-bit file id.
// Eviction is least-recently-used; a handle pinned by an in-flight
// reader is not closed until its last Release, so eviction never
// invalidates a handle someone is using.
type FileLRU struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List // list of *handle, front = most recently used
	byID     map[uint64]*handle
	openFunc func(id uint64) (*os.File, error)
}

// NewFileLRU creates an LRU bounded to capacity entries. openFunc opens
// the underlying file for an id that isn't currently cached.
func NewFileLRU(capacity int, openFunc func(id uint64) (*os.File, error)) *FileLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &FileLRU{
		cap:      capacity,
		ll:       list.New(),
		byID:     make(map[uint64]*handle),
		openFunc: openFunc,
	}
}

// Acquire returns a pinned *os.File for id, opening it if not already
// cached and evicting the least-recently-used entry if at capacity. The
// caller must call Release(id) exactly once when done.
func (c *FileLRU) Acquire(id uint64) (*os.File, error) {
	c.mu.Lock()
	if h, ok := c.byID[id]; ok {
		h.refs++
		c.ll.MoveToFront(h.elem)
		c.mu.Unlock()
		return h.file, nil
	}
	c.mu.Unlock()

	f, err := c.openFunc(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.byID[id]; ok {
		// Lost the race with a concurrent Acquire; use theirs, close ours.
		h.refs++
		c.ll.MoveToFront(h.elem)
		f.Close()
		return h.file, nil
	}

	h := &handle{id: id, file: f, refs: 1}
	h.elem = c.ll.PushFront(h)
	c.byID[id] = h

	c.evictLocked()
	return f, nil
}

// Release returns a handle acquired via Acquire. If the entry has since
// been evicted and this was the last reference, the file is closed now.
func (c *FileLRU) Release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.byID[id]
	if !ok {
		return
	}
	h.refs--
	if h.refs <= 0 && h.evicted {
		h.file.Close()
		delete(c.byID, id)
	}
}

// Invalidate removes id from the cache (e.g. the underlying file was
// deleted by a compaction). The handle is closed once its last
// reference is released.
func (c *FileLRU) Invalidate(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byID[id]
	if !ok {
		return
	}
	c.ll.Remove(h.elem)
	h.evicted = true
	if h.refs <= 0 {
		h.file.Close()
		delete(c.byID, id)
	}
}

// evictLocked evicts least-recently-used entries until the cache is at
// or under capacity. A pinned handle (refs > 0) cannot be evicted
// without invalidating in-flight readers, so eviction is deferred for
// it; callers instead rely on Acquire opening a fresh handle on a cache
// miss (wait-free fallback).
func (c *FileLRU) evictLocked() {
	for c.ll.Len() > c.cap {
		var victim *list.Element
		for e := c.ll.Back(); e != nil; e = e.Prev() {
			if e.Value.(*handle).refs == 0 {
				victim = e
				break
			}
		}
		if victim == nil {
			// Every cached entry is pinned; a future Release will not
			// retry eviction, so just let the cache run over capacity
			// until someone releases (wait-free fallback).
			return
		}
		h := victim.Value.(*handle)
		c.ll.Remove(victim)
		h.evicted = true
		h.file.Close()
		delete(c.byID, h.id)
	}
}

// CloseAll closes every cached handle regardless of refcount, used when
// the engine itself is shutting down.
func (c *FileLRU) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, h := range c.byID {
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(errs.ErrIO, "close %d: %v", id, err)
		}
		delete(c.byID, id)
	}
	c.ll.Init()
	return firstErr
}
