package sstable

// Iterator walks every entry in a Reader in file order (the Reader's
// configured Order), one block at a time.
type Iterator struct {
	r         *Reader
	blockIdx  int
	entries   []blockEntry
	entryIdx  int
	err       error
}

// NewIterator creates an Iterator positioned before the first entry.
func NewIterator(r *Reader) *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Next advances to the next entry, returning ok=false at EOF or after
// an error (check Err()).
func (it *Iterator) Next() (key []byte, version uint64, value []byte, ok bool) {
	for {
		if it.entryIdx < len(it.entries) {
			e := it.entries[it.entryIdx]
			it.entryIdx++
			return e.Key, e.Version, e.Value, true
		}
		it.blockIdx++
		if it.blockIdx >= it.r.index.NumBlocks() {
			return nil, 0, nil, false
		}
		offset := it.r.index.BlockOffset(it.blockIdx)
		end := it.r.blockEnd(it.blockIdx)
		br, err := it.r.readBlock(offset, end)
		if err != nil {
			it.err = err
			return nil, 0, nil, false
		}
		entries, err := br.all()
		if err != nil {
			it.err = err
			return nil, 0, nil, false
		}
		it.entries = entries
		it.entryIdx = 0
	}
}

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }
