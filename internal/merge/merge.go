// Package merge implements the N-way streaming merge used by both
// memtable flush and level compaction: a min-heap over sorted sources,
// newest-version-wins deduplication, optional tombstone dropping at the
// bottom level, and size-based output file splitting.
package merge

import (
	"container/heap"

	"github.com/kvengine/jdb/internal/kv"
)

// Row is one entry pulled from a merge Source.
type Row struct {
	Key     []byte
	Version uint64
	Value   []byte // opaque blob: kv.EncodeValue output (tag + payload)
}

// Source yields Rows in the merge's configured Order. Next returns
// ok=false at EOF; a non-nil error aborts the merge.
type Source interface {
	Next() (Row, bool, error)
}

// DiscardFunc is invoked for every row that the merge drops — an
// obsolete version shadowed by a newer one, or a tombstone dropped at
// the bottom level — so the caller (the value-log GC accounting) can
// mark the corresponding Pos as no longer referenced.
type DiscardFunc func(row Row)

// Sink receives the deduplicated, ordered output stream and decides
// when to start a new output file.
type Sink interface {
	// Add appends one surviving row to the current output file.
	Add(row Row) error
	// ShouldSplit reports whether the sink's current output file has
	// reached its target size and a new one should begin.
	ShouldSplit() bool
	// Rotate finishes the current output file and starts a new one.
	Rotate() error
	// Finish finishes whatever output file is in progress.
	Finish() error
}

// heapItem tracks which source produced the row currently sitting in
// the merge heap, so the merge can pull that source's next row once
// this one is popped.
type heapItem struct {
	row      Row
	srcIndex int
}

type mergeHeap struct {
	items []heapItem
	order kv.Order
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	c := h.order.Cmp(a.row.Key, b.row.Key)
	if c != 0 {
		return c < 0
	}
	// Same key: newer version (higher) sorts first so the caller sees
	// the live value before any shadowed older versions.
	return a.row.Version > b.row.Version
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

// Options configures one merge pass.
type Options struct {
	Order       kv.Order
	BottomLevel bool // true: tombstones are dropped instead of re-emitted
	Discard     DiscardFunc
}

// Run performs the N-way merge of sources into sink, applying
// newest-wins deduplication and (if BottomLevel) tombstone dropping,
// splitting sink output according to Sink.ShouldSplit/Rotate.
func Run(sources []Source, sink Sink, opts Options) error {
	h := &mergeHeap{order: opts.Order}
	heap.Init(h)

	for i, src := range sources {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, heapItem{row: row, srcIndex: i})
		}
	}

	var havePrev bool
	var prevKey []byte

	for h.Len() > 0 {
		item := heap.Pop(h).(heapItem)

		if next, ok, err := sources[item.srcIndex].Next(); err != nil {
			return err
		} else if ok {
			heap.Push(h, heapItem{row: next, srcIndex: item.srcIndex})
		}

		if havePrev && opts.Order.Cmp(item.row.Key, prevKey) == 0 {
			// A strictly older version of a key already emitted; drop it
			// from the live dataset and let the caller reclaim its
			// value-log bytes.
			if opts.Discard != nil {
				opts.Discard(item.row)
			}
			continue
		}
		havePrev = true
		prevKey = item.row.Key

		if opts.BottomLevel {
			inline, pos, _ := kv.DecodeValue(item.row.Value)
			if !inline && pos.IsTombstone() {
				if opts.Discard != nil {
					opts.Discard(item.row)
				}
				continue
			}
		}

		if sink.ShouldSplit() {
			if err := sink.Rotate(); err != nil {
				return err
			}
		}
		if err := sink.Add(item.row); err != nil {
			return err
		}
	}

	return sink.Finish()
}
