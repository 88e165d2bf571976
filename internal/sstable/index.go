package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/kvengine/jdb/internal/kv"
)

// Index maps a key to the data block that might contain it. The
// default implementation, SimpleIndex, is a binary-searchable array of
// first keys; Reader and Writer hold a *SimpleIndex directly rather
// than an Index.
type Index interface {
	// Lookup returns the byte offset of the data block whose key range
	// might contain key, and ok=false if key is before the first block.
	Lookup(key []byte, order kv.Order) (offset uint32, ok bool)
	Encode() []byte
	NumBlocks() int
	BlockOffset(i int) uint32
}

type indexEntry struct {
	firstKey []byte
	offset   uint32
}

// SimpleIndex binary-searches an in-memory array of (first key, block
// offset) pairs built in file order during the write pass.
type SimpleIndex struct {
	entries []indexEntry
}

func newSimpleIndex() *SimpleIndex { return &SimpleIndex{} }

func (ix *SimpleIndex) add(firstKey []byte, offset uint32) {
	ix.entries = append(ix.entries, indexEntry{firstKey: firstKey, offset: offset})
}

func (ix *SimpleIndex) Lookup(key []byte, order kv.Order) (uint32, bool) {
	n := len(ix.entries)
	i := sort.Search(n, func(i int) bool {
		return !order.Less(ix.entries[i].firstKey, key)
	})
	// i is the first block whose first key is >= key. The block that
	// might actually hold key is the one before it, unless key exactly
	// matches block i's first key.
	if i < n && order.Cmp(ix.entries[i].firstKey, key) == 0 {
		return ix.entries[i].offset, true
	}
	if i == 0 {
		return 0, false
	}
	return ix.entries[i-1].offset, true
}

func (ix *SimpleIndex) NumBlocks() int { return len(ix.entries) }

func (ix *SimpleIndex) BlockOffset(i int) uint32 { return ix.entries[i].offset }

// Encode: [numEntries(4)] { [offset(4)][keyLen(4)][key] }...
func (ix *SimpleIndex) Encode() []byte {
	size := 4
	for _, e := range ix.entries {
		size += 4 + 4 + len(e.firstKey)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ix.entries)))
	off += 4
	for _, e := range ix.entries {
		binary.LittleEndian.PutUint32(buf[off:], e.offset)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.firstKey)))
		off += 4
		copy(buf[off:], e.firstKey)
		off += len(e.firstKey)
	}
	return buf
}

func decodeSimpleIndex(data []byte) (*SimpleIndex, error) {
	ix := newSimpleIndex()
	if len(data) < 4 {
		return ix, nil
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	for i := uint32(0); i < n; i++ {
		offset := binary.LittleEndian.Uint32(data[off:])
		off += 4
		keyLen := binary.LittleEndian.Uint32(data[off:])
		off += 4
		key := append([]byte(nil), data[off:off+int(keyLen)]...)
		off += int(keyLen)
		ix.add(key, offset)
	}
	return ix, nil
}
