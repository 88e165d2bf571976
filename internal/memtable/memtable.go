// Package memtable is an in-memory sorted structure for recent writes,
// generalized from a single active buffer into an active + frozen-list
// pipeline so flush can run concurrently with new writes.
package memtable

import (
	"sort"
	"sync"

	"github.com/kvengine/jdb/internal/kv"
)

// Row is a single memtable entry: a key plus the Pos-or-inline value
// payload and the version that ordered it relative to other writers.
type Row struct {
	Key     []byte
	Version uint64
	Inline  bool
	Pos     kv.Pos
	Value   []byte // inline payload; empty when !Inline
}

// MemTable is an in-memory sorted slice of Rows, kept sorted by Order on
// every insert via binary search + shift, the same approach as a
// straightforward sorted-slice memtable, generalized to []byte keys and
// an injected sort order.
type MemTable struct {
	mu      sync.RWMutex
	order   kv.Order
	rows    []Row
	size    int
	maxSize int
	frozen  bool

	saveWalID  uint64
	saveOffset int64
}

// New creates an empty, writable memtable bounded to maxSize bytes
// (approximate, counting key+value+overhead per row).
func New(order kv.Order, maxSize int) *MemTable {
	return &MemTable{
		order:   order,
		rows:    make([]Row, 0, 1024),
		maxSize: maxSize,
	}
}

func (m *MemTable) search(key []byte) int {
	return sort.Search(len(m.rows), func(i int) bool {
		return !m.order.Less(m.rows[i].Key, key)
	})
}

// Put inserts or overwrites key with an inline value at version.
func (m *MemTable) Put(key []byte, version uint64, value []byte) {
	m.putRow(Row{Key: key, Version: version, Inline: true, Value: value})
}

// PutPos inserts or overwrites key with a value-log reference.
func (m *MemTable) PutPos(key []byte, version uint64, pos kv.Pos) {
	m.putRow(Row{Key: key, Version: version, Inline: false, Pos: pos})
}

// Delete inserts a tombstone for key at version.
func (m *MemTable) Delete(key []byte, version uint64) {
	m.putRow(Row{Key: key, Version: version, Inline: false, Pos: kv.Tombstone()})
}

func (m *MemTable) putRow(r Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		// The engine swaps in a fresh active memtable before freezing
		// the old one; a write reaching here would be a caller bug, but
		// dropping it silently keeps the frozen snapshot handed to the
		// flush path immutable either way.
		return
	}

	idx := m.search(r.Key)
	if idx < len(m.rows) && m.order.Cmp(m.rows[idx].Key, r.Key) == 0 {
		old := m.rows[idx]
		m.size += rowCost(r) - rowCost(old)
		m.rows[idx] = r
		return
	}
	m.rows = append(m.rows, Row{})
	copy(m.rows[idx+1:], m.rows[idx:])
	m.rows[idx] = r
	m.size += rowCost(r)
}

func rowCost(r Row) int {
	n := len(r.Key) + 16
	if r.Inline {
		n += len(r.Value)
	} else {
		n += kv.PosSize
	}
	return n
}

// Get returns the row for key if present.
func (m *MemTable) Get(key []byte) (Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.search(key)
	if idx < len(m.rows) && m.order.Cmp(m.rows[idx].Key, key) == 0 {
		return m.rows[idx], true
	}
	return Row{}, false
}

// SizeBytes returns the approximate footprint of the memtable.
func (m *MemTable) SizeBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// NeedsFlush reports whether the memtable has grown past its threshold.
func (m *MemTable) NeedsFlush() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size >= m.maxSize
}

// Len returns the row count.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Freeze marks the memtable read-only and returns a snapshot of its
// rows, already sorted in the memtable's configured order, for the
// flush path. Once frozen, a memtable rejects further writes so the
// caller must swap in a fresh active memtable before calling Freeze.
func (m *MemTable) Freeze() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// SetSavePoint records the WAL position up to which every write in this
// memtable is already durable, so the flush path can tell the manifest
// how far WAL replay can be skipped on the next recovery. The engine
// calls this at the moment the memtable is rotated out of the active
// slot, passing its WAL's current id/offset.
func (m *MemTable) SetSavePoint(walID uint64, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveWalID = walID
	m.saveOffset = offset
}

// SavePoint returns the WAL position set by SetSavePoint.
func (m *MemTable) SavePoint() (uint64, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveWalID, m.saveOffset
}

// Frozen reports whether Freeze has been called.
func (m *MemTable) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Range calls fn for every row whose key falls within r, in the
// memtable's configured order, stopping early if fn returns false.
func (m *MemTable) Range(r kv.Range, fn func(Row) bool) {
	m.mu.RLock()
	rows := make([]Row, len(m.rows))
	copy(rows, m.rows)
	order := m.order
	m.mu.RUnlock()

	for _, row := range rows {
		if !r.Contains(row.Key, order) {
			continue
		}
		if !fn(row) {
			return
		}
	}
}
