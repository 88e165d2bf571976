package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kvengine/jdb/internal/errs"
)

const magic byte = 0xA7

// EntryKind discriminates a WalEntry.
type EntryKind uint8

const (
	KindPut EntryKind = iota
	KindDelete
)

// Entry is a logical WAL record. The WAL itself assigns no version; the
// engine owns the monotonic counter and records it alongside the entry
// so replay can re-derive versions from physical order.
type Entry struct {
	Kind  EntryKind
	Key   []byte
	Value []byte // Put: kv.EncodeValue output (inline value or Pos); empty for Delete.
}

// Encode appends the framed record (magic|varint-len|payload|crc32) for
// e to dst and returns the extended slice.
func Encode(dst []byte, e Entry) []byte {
	payload := encodePayload(nil, e)

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	dst = append(dst, magic)
	dst = append(dst, lenBuf[:n]...)
	start := len(dst)
	dst = append(dst, payload...)

	crc := crc32.ChecksumIEEE(dst[start:])
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	dst = append(dst, crcBuf[:]...)
	return dst
}

func encodePayload(dst []byte, e Entry) []byte {
	dst = append(dst, byte(e.Kind))
	dst = appendUvarintBytes(dst, e.Key)
	if e.Kind == KindPut {
		dst = appendUvarintBytes(dst, e.Value)
	}
	return dst
}

func appendUvarintBytes(dst []byte, b []byte) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(b)))
	dst = append(dst, buf[:n]...)
	return append(dst, b...)
}

// Decode parses one framed record from the front of src, returning the
// entry, the number of bytes consumed, and an error. A short/incomplete
// tail (not enough bytes for a full record) returns errs.ErrShortRead so
// the caller can distinguish "need more data" from a CRC mismatch; a
// record that does not start with the magic byte also returns
// errs.ErrShortRead.
func Decode(src []byte) (Entry, int, error) {
	if len(src) < 1 || src[0] != magic {
		return Entry{}, 0, errs.ErrShortRead
	}
	payloadLen, n := binary.Uvarint(src[1:])
	if n <= 0 {
		return Entry{}, 0, errs.ErrShortRead
	}
	headerLen := 1 + n
	total := headerLen + int(payloadLen) + 4
	if len(src) < total {
		return Entry{}, 0, errs.ErrShortRead
	}

	payload := src[headerLen : headerLen+int(payloadLen)]
	wantCRC := binary.LittleEndian.Uint32(src[headerLen+int(payloadLen) : total])
	gotCRC := crc32.ChecksumIEEE(src[headerLen : headerLen+int(payloadLen)])
	if wantCRC != gotCRC {
		return Entry{}, 0, &errs.ChecksumMismatch{Expected: wantCRC, Actual: gotCRC}
	}

	e, err := decodePayload(payload)
	if err != nil {
		return Entry{}, 0, err
	}
	return e, total, nil
}

func decodePayload(p []byte) (Entry, error) {
	if len(p) < 1 {
		return Entry{}, errs.ErrShortRead
	}
	kind := EntryKind(p[0])
	p = p[1:]

	key, rest, err := readUvarintBytes(p)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Kind: kind, Key: key}

	if kind == KindPut {
		val, _, err := readUvarintBytes(rest)
		if err != nil {
			return Entry{}, err
		}
		e.Value = val
	}
	return e, nil
}

func readUvarintBytes(p []byte) (val []byte, rest []byte, err error) {
	l, n := binary.Uvarint(p)
	if n <= 0 || n+int(l) > len(p) {
		return nil, nil, errs.ErrShortRead
	}
	return p[n : n+int(l)], p[n+int(l):], nil
}
