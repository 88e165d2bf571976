package sstable

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kvengine/jdb/internal/errs"
	"github.com/kvengine/jdb/internal/kv"
)

// Reader is an open, immutable SSTable file: footer, index, and filter
// are loaded eagerly at Open; data blocks are read on demand.
type Reader struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	level      int
	order      kv.Order
	minKey     []byte
	maxKey     []byte
	maxVersion uint64
	removed    uint64
	index      *SimpleIndex
	filter     Filter
	blocksEnd  uint32 // offset where the data-block region ends
}

// Open loads an SSTable's trailing metadata and returns a Reader ready
// for Get/RangeIter. The reader's level is read from the footer; the
// level manager places the file by its own bookkeeping, so that field
// is advisory, not authoritative placement.
func Open(path string, order kv.Order) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "open sstable %s: %v", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(errs.ErrIO, "stat sstable %s: %v", path, err)
	}
	size := stat.Size()
	if size < footerSize {
		f.Close()
		return nil, errs.NewCorrupted(path, size)
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, size-footerSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(errs.ErrIO, "read footer %s: %v", path, err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	filterData, err := readAt(f, int64(ft.filterOffset), size-footerSize-int64(ft.filterOffset))
	if err != nil {
		f.Close()
		return nil, err
	}
	filter, ferr := decodeFilterSection(filterData)
	if ferr != nil {
		filter = noFilter{}
	}

	metaData, err := readAt(f, int64(ft.metaOffset), int64(ft.filterOffset)-int64(ft.metaOffset))
	if err != nil {
		f.Close()
		return nil, err
	}
	minKey, maxKey, err := decodeMeta(metaData)
	if err != nil {
		f.Close()
		return nil, err
	}

	indexData, err := readAt(f, int64(ft.indexOffset), int64(ft.metaOffset)-int64(ft.indexOffset))
	if err != nil {
		f.Close()
		return nil, err
	}
	idx, err := decodeSimpleIndex(indexData)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{
		file:       f,
		path:       path,
		level:      int(ft.level),
		order:      order,
		minKey:     minKey,
		maxKey:     maxKey,
		maxVersion: ft.maxVersion,
		removed:    ft.removedBytes,
		index:      idx,
		filter:     filter,
		blocksEnd:  uint32(ft.indexOffset),
	}, nil
}

func readAt(f *os.File, off, n int64) ([]byte, error) {
	if n < 0 {
		return nil, errs.NewCorrupted(f.Name(), off)
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "read %s at %d: %v", f.Name(), off, err)
	}
	return buf, nil
}

func decodeFilterSection(data []byte) (Filter, error) {
	if len(data) < 4 {
		return noFilter{}, nil
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	if int(n) > len(data)-4 {
		return noFilter{}, errors.New("sstable: truncated filter section")
	}
	if n == 0 {
		return noFilter{}, nil
	}
	return DecodeBloomFilter(data[4 : 4+n])
}

func decodeMeta(data []byte) (minKey, maxKey []byte, err error) {
	if len(data) < 8 {
		return nil, nil, errors.New("sstable: truncated metadata")
	}
	minLen := binary.LittleEndian.Uint32(data[0:4])
	maxLen := binary.LittleEndian.Uint32(data[4:8])
	if len(data) < 8+int(minLen)+int(maxLen) {
		return nil, nil, errors.New("sstable: truncated metadata")
	}
	minKey = append([]byte(nil), data[8:8+minLen]...)
	maxKey = append([]byte(nil), data[8+minLen:8+minLen+maxLen]...)
	return minKey, maxKey, nil
}

// MinKey/MaxKey/Level/MaxVersion/RemovedBytes/Path expose the footer's
// bookkeeping fields for level-manager placement decisions.
func (r *Reader) MinKey() []byte       { return r.minKey }
func (r *Reader) MaxKey() []byte       { return r.maxKey }
func (r *Reader) Level() int           { return r.level }
func (r *Reader) MaxVersion() uint64   { return r.maxVersion }
func (r *Reader) RemovedBytes() uint64 { return r.removed }
func (r *Reader) Path() string         { return r.path }

// Overlaps reports whether [lo, hi] (either bound may be nil for
// unbounded) intersects this table's [minKey, maxKey] range.
func (r *Reader) Overlaps(lo, hi []byte) bool {
	if lo != nil && r.order.Less(r.maxKey, lo) {
		return false
	}
	if hi != nil && r.order.Less(hi, r.minKey) {
		return false
	}
	return true
}

func (r *Reader) readBlock(offset, end uint32) (*blockReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, end-offset)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "read block %s@%d: %v", r.path, offset, err)
	}
	return newBlockReader(buf)
}

func (r *Reader) blockEnd(i int) uint32 {
	if i+1 < r.index.NumBlocks() {
		return r.index.BlockOffset(i + 1)
	}
	return r.blocksEnd
}

// Get returns the row for key, or ok=false if the filter/index/block
// search found nothing. The version and inline-vs-Pos framing are left
// for the caller to decode via kv.DecodeValue.
func (r *Reader) Get(key []byte) (version uint64, value []byte, ok bool, err error) {
	if !r.filter.MayContain(key) {
		return 0, nil, false, nil
	}
	if r.order.Less(key, r.minKey) || r.order.Less(r.maxKey, key) {
		return 0, nil, false, nil
	}

	offset, found := r.index.Lookup(key, r.order)
	if !found {
		return 0, nil, false, nil
	}
	idx := r.blockIndexFor(offset)
	end := r.blockEnd(idx)

	br, err := r.readBlock(offset, end)
	if err != nil {
		return 0, nil, false, err
	}
	e, ok, err := br.seek(key, r.order.Less)
	if err != nil || !ok {
		return 0, nil, false, err
	}
	if r.order.Cmp(e.Key, key) != 0 {
		return 0, nil, false, nil
	}
	return e.Version, e.Value, true, nil
}

func (r *Reader) blockIndexFor(offset uint32) int {
	for i := 0; i < r.index.NumBlocks(); i++ {
		if r.index.BlockOffset(i) == offset {
			return i
		}
	}
	return 0
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return errors.Wrapf(errs.ErrIO, "close sstable %s: %v", r.path, err)
	}
	return nil
}

// RangeIter walks every entry whose key falls within rng, calling fn in
// the reader's Order until fn returns false or blocks are exhausted.
func (r *Reader) RangeIter(rng kv.Range, fn func(key []byte, version uint64, value []byte) bool) error {
	for i := 0; i < r.index.NumBlocks(); i++ {
		offset := r.index.BlockOffset(i)
		end := r.blockEnd(i)
		br, err := r.readBlock(offset, end)
		if err != nil {
			return err
		}
		entries, err := br.all()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !rng.Contains(e.Key, r.order) {
				continue
			}
			if !fn(e.Key, e.Version, e.Value) {
				return nil
			}
		}
	}
	return nil
}
