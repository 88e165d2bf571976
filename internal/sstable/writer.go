package sstable

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kvengine/jdb/internal/alloc"
	"github.com/kvengine/jdb/internal/errs"
	"github.com/kvengine/jdb/internal/kv"
)

// BlockSize is the target uncompressed size of one data block. A block
// is closed after the entry that brings it to BlockSize or beyond, so a
// block usually runs over BlockSize by part of its last entry.
const BlockSize = 4096

// Writer builds one SSTable file from entries delivered in sorted
// order (ascending or descending, matching the configured Order), via
// a tmp file that is fsynced and atomically renamed into place on
// Finish so a reader never observes a partially written file.
type Writer struct {
	file        *os.File
	tmpPath     string
	finalPath   string
	order       kv.Order
	block       *blockBuilder
	index       *SimpleIndex
	filter      Filter
	offset      uint32
	minKey      []byte
	maxKey      []byte
	maxVersion  uint64
	removed     uint64
	level       int
	entryCount  int
}

// NewWriter creates a writer targeting finalPath, sizing its bloom
// filter for expectedKeys.
func NewWriter(finalPath string, level int, order kv.Order, expectedKeys int) (*Writer, error) {
	tmpPath := finalPath + ".tmp-" + uuid.NewString()
	f, err := alloc.OpenBuffered(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	var filter Filter
	bf := NewBloomFilter(expectedKeys, 0.01)
	filter = bf
	if filter == nil {
		filter = noFilter{}
	}

	return &Writer{
		file:      f,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		order:     order,
		block:     newBlockBuilder(),
		index:     newSimpleIndex(),
		filter:    filter,
		level:     level,
	}, nil
}

// Add appends one row. Rows must arrive in the writer's configured
// Order; violating this corrupts the block's restart-point invariant
// silently, so callers (the merge engine) are responsible for sorting.
func (w *Writer) Add(key []byte, version uint64, value []byte, isTombstone bool) error {
	if w.entryCount == 0 {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append([]byte(nil), key...)
	w.entryCount++

	if version > w.maxVersion {
		w.maxVersion = version
	}
	if isTombstone {
		w.removed += uint64(len(key) + len(value))
	}

	w.filter.Add(key)

	if w.block.empty() {
		w.index.add(key, w.offset)
	}

	w.block.add(blockEntry{Key: key, Version: version, Value: value})

	if w.block.size() >= BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	data := w.block.finish()
	n, err := w.file.Write(data)
	if err != nil {
		return errors.Wrapf(errs.ErrIO, "sstable write block: %v", err)
	}
	if n != len(data) {
		return errs.ErrShortWrite
	}
	w.offset += uint32(n)
	w.block = newBlockBuilder()
	return nil
}

// Empty reports whether any rows have been added.
func (w *Writer) Empty() bool { return w.entryCount == 0 }

// Finish flushes the tail block, writes the index/filter/footer
// sections, fsyncs, and atomically renames the tmp file into place.
func (w *Writer) Finish() (*Meta, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	indexOffset := w.offset
	indexData := w.index.Encode()
	if err := w.write(indexData); err != nil {
		return nil, err
	}

	metaOffset := w.offset
	metaData := encodeMeta(w.minKey, w.maxKey)
	if err := w.write(metaData); err != nil {
		return nil, err
	}

	filterOffset := w.offset
	filterData := encodeFilterSection(w.filter)
	if err := w.write(filterData); err != nil {
		return nil, err
	}

	ft := footer{
		indexOffset:  uint64(indexOffset),
		filterOffset: uint64(filterOffset),
		metaOffset:   uint64(metaOffset),
		maxVersion:   w.maxVersion,
		removedBytes: w.removed,
		level:        uint32(w.level),
	}
	if err := w.write(ft.encode()); err != nil {
		return nil, err
	}

	if err := alloc.AtomicRename(w.file, w.tmpPath, w.finalPath); err != nil {
		return nil, err
	}
	w.file.Close()

	return &Meta{
		Path:       w.finalPath,
		Level:      w.level,
		MinKey:     w.minKey,
		MaxKey:     w.maxKey,
		MaxVersion: w.maxVersion,
		NumEntries: w.entryCount,
		FileSize:   int64(w.offset),
	}, nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.file.Write(b)
	if err != nil {
		return errors.Wrapf(errs.ErrIO, "sstable write: %v", err)
	}
	if n != len(b) {
		return errs.ErrShortWrite
	}
	w.offset += uint32(n)
	return nil
}

// Abort closes and removes the tmp file, used when a writer is
// discarded mid-build (e.g. the merge it belonged to was canceled).
func (w *Writer) Abort() error {
	w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errs.ErrIO, "abort sstable: %v", err)
	}
	return nil
}

// Meta summarizes a finished SSTable for level bookkeeping.
type Meta struct {
	Path       string
	Level      int
	MinKey     []byte
	MaxKey     []byte
	MaxVersion uint64
	NumEntries int
	FileSize   int64
}

// encodeMeta lays out [minKeyLen(4)][maxKeyLen(4)][minKey][maxKey].
func encodeMeta(minKey, maxKey []byte) []byte {
	buf := make([]byte, 8+len(minKey)+len(maxKey))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(minKey)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(maxKey)))
	copy(buf[8:], minKey)
	copy(buf[8+len(minKey):], maxKey)
	return buf
}
