package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"github.com/kvengine/jdb/internal/errs"
)

// RestartInterval is the number of entries between full (unshared) keys
// in a block; entries between restarts store only the suffix past the
// shared prefix with the previous key, same as LevelDB/RocksDB block
// format. Every restart point is a safe binary-search landing spot.
const RestartInterval = 16

// blockEntry is one logical row inside a data block, serialized as:
//
//	varint(sharedPrefixLen) varint(unsharedLen) varint(valueLen)
//	unsharedKeyBytes varint(version) value
type blockEntry struct {
	Key     []byte
	Version uint64
	Value   []byte // EncodeValue output: tag byte + payload
}

// blockBuilder accumulates entries into one data block, emitting
// restart points and a trailing restart-offset index.
type blockBuilder struct {
	buf       []byte
	restarts  []uint32
	lastKey   []byte
	count     int
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{restarts: []uint32{0}}
}

func (b *blockBuilder) add(e blockEntry) {
	shared := 0
	if b.count%RestartInterval != 0 {
		shared = sharedPrefixLen(b.lastKey, e.Key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
	}
	unshared := e.Key[shared:]

	var hdr [binary.MaxVarintLen64 * 3]byte
	n := binary.PutUvarint(hdr[0:], uint64(shared))
	n += binary.PutUvarint(hdr[n:], uint64(len(unshared)))
	n += binary.PutUvarint(hdr[n:], uint64(len(e.Value)))
	b.buf = append(b.buf, hdr[:n]...)
	b.buf = append(b.buf, unshared...)

	var verBuf [binary.MaxVarintLen64]byte
	vn := binary.PutUvarint(verBuf[:], e.Version)
	b.buf = append(b.buf, verBuf[:vn]...)
	b.buf = append(b.buf, e.Value...)

	b.lastKey = e.Key
	b.count++
}

// finish appends the restart-offset index and a trailing CRC32 (IEEE)
// of everything written so far, so a reader can detect a torn or
// bit-flipped block before trusting its restart index.
func (b *blockBuilder) finish() []byte {
	out := append([]byte(nil), b.buf...)
	for _, r := range b.restarts {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], r)
		out = append(out, tmp[:]...)
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	out = append(out, tmp[:]...)

	crc := crc32.ChecksumIEEE(out)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	return out
}

func (b *blockBuilder) empty() bool { return b.count == 0 }
func (b *blockBuilder) size() int   { return len(b.buf) + 4*len(b.restarts) + 4 + 4 }

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockReader parses a finished block for point lookups and iteration.
type blockReader struct {
	data     []byte
	restarts []uint32
}

func newBlockReader(block []byte) (*blockReader, error) {
	if len(block) < 8 {
		return nil, errors.WithStack(&errs.InvalidBlock{Offset: 0})
	}
	body := block[:len(block)-4]
	wantCRC := binary.LittleEndian.Uint32(block[len(block)-4:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return nil, errors.WithStack(&errs.ChecksumMismatch{Expected: wantCRC, Actual: gotCRC})
	}

	if len(body) < 4 {
		return nil, errors.WithStack(&errs.InvalidBlock{Offset: 0})
	}
	numRestarts := binary.LittleEndian.Uint32(body[len(body)-4:])
	restartsStart := len(body) - 4 - 4*int(numRestarts)
	if restartsStart < 0 {
		return nil, errors.WithStack(&errs.InvalidBlock{Offset: 0})
	}
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(body[restartsStart+4*i:])
	}
	return &blockReader{data: body[:restartsStart], restarts: restarts}, nil
}

// decodeAt parses one entry starting at byte offset off within data,
// given the previous entry's key (for prefix expansion). Returns the
// entry and the offset immediately following it.
func (r *blockReader) decodeAt(off int, prevKey []byte) (blockEntry, int, error) {
	buf := r.data[off:]
	shared, n1 := binary.Uvarint(buf)
	unsharedLen, n2 := binary.Uvarint(buf[n1:])
	valueLen, n3 := binary.Uvarint(buf[n1+n2:])
	pos := n1 + n2 + n3
	if pos+int(unsharedLen) > len(buf) {
		return blockEntry{}, 0, errors.WithStack(&errs.InvalidBlock{Offset: int64(off)})
	}
	key := make([]byte, int(shared)+int(unsharedLen))
	copy(key, prevKey[:shared])
	copy(key[shared:], buf[pos:pos+int(unsharedLen)])
	pos += int(unsharedLen)

	version, n4 := binary.Uvarint(buf[pos:])
	pos += n4
	if pos+int(valueLen) > len(buf) {
		return blockEntry{}, 0, errors.WithStack(&errs.InvalidBlock{Offset: int64(off)})
	}
	value := buf[pos : pos+int(valueLen)]
	pos += int(valueLen)

	return blockEntry{Key: key, Version: version, Value: value}, off + pos, nil
}

// seek returns the first entry with key >= target within the block, or
// ok=false if every entry is smaller.
func (r *blockReader) seek(target []byte, less func(a, b []byte) bool) (blockEntry, bool, error) {
	// Binary search the restart points for the last one whose key < target
	// (restart 0 if none is); the scan below finds an exact match.
	lo, hi := 0, len(r.restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		e, _, err := r.decodeAt(int(r.restarts[mid]), nil)
		if err != nil {
			return blockEntry{}, false, err
		}
		if less(e.Key, target) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	off := int(r.restarts[lo])
	var prev []byte
	for off < len(r.data) {
		e, next, err := r.decodeAt(off, prev)
		if err != nil {
			return blockEntry{}, false, err
		}
		if !less(e.Key, target) {
			return e, true, nil
		}
		prev = e.Key
		off = next
	}
	return blockEntry{}, false, nil
}

// all decodes every entry in the block, in order.
func (r *blockReader) all() ([]blockEntry, error) {
	var out []blockEntry
	var prev []byte
	off := 0
	for off < len(r.data) {
		e, next, err := r.decodeAt(off, prev)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		prev = e.Key
		off = next
	}
	return out, nil
}
