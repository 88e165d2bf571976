package memtable

import (
	"sync"

	"github.com/kvengine/jdb/internal/kv"
)

// Pipeline owns one writable active memtable plus a FIFO of frozen
// memtables awaiting flush, so writers never block on flush I/O: a
// flush worker drains the oldest frozen memtable while new writes land
// in a freshly swapped-in active one.
type Pipeline struct {
	mu      sync.RWMutex
	order   kv.Order
	maxSize int
	active  *MemTable
	frozen  []*MemTable // oldest first
}

// NewPipeline creates a pipeline with one empty active memtable.
func NewPipeline(order kv.Order, maxSize int) *Pipeline {
	return &Pipeline{
		order:   order,
		maxSize: maxSize,
		active:  New(order, maxSize),
	}
}

// Active returns the current writable memtable.
func (p *Pipeline) Active() *MemTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// RotateIfFull freezes the active memtable and installs a fresh one if
// the active memtable has crossed its size threshold, returning the
// newly frozen memtable (nil if no rotation happened).
func (p *Pipeline) RotateIfFull() *MemTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active.NeedsFlush() {
		return nil
	}
	old := p.active
	old.Freeze()
	p.frozen = append(p.frozen, old)
	p.active = New(p.order, p.maxSize)
	return old
}

// ForceRotate freezes the active memtable unconditionally (used when
// closing the engine with unflushed data, or by an explicit Flush call).
func (p *Pipeline) ForceRotate() *MemTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active.Len() == 0 {
		return nil
	}
	old := p.active
	old.Freeze()
	p.frozen = append(p.frozen, old)
	p.active = New(p.order, p.maxSize)
	return old
}

// FrozenList returns the frozen memtables, oldest first.
func (p *Pipeline) FrozenList() []*MemTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*MemTable, len(p.frozen))
	copy(out, p.frozen)
	return out
}

// Retire removes mt from the frozen list once its flush to an SSTable
// has durably completed.
func (p *Pipeline) Retire(mt *MemTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.frozen {
		if f == mt {
			p.frozen = append(p.frozen[:i], p.frozen[i+1:]...)
			return
		}
	}
}

// Get looks up key across the active memtable and then the frozen list
// newest-first, so the most recent write for a key always wins.
func (p *Pipeline) Get(key []byte) (Row, bool) {
	p.mu.RLock()
	active := p.active
	frozen := make([]*MemTable, len(p.frozen))
	copy(frozen, p.frozen)
	p.mu.RUnlock()

	if row, ok := active.Get(key); ok {
		return row, true
	}
	for i := len(frozen) - 1; i >= 0; i-- {
		if row, ok := frozen[i].Get(key); ok {
			return row, true
		}
	}
	return Row{}, false
}
