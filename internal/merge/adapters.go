package merge

import (
	"github.com/kvengine/jdb/internal/kv"
	"github.com/kvengine/jdb/internal/memtable"
	"github.com/kvengine/jdb/internal/sstable"
)

// MemtableSource adapts a frozen memtable row slice (already sorted in
// the merge's Order by MemTable.Freeze) into a merge Source.
type MemtableSource struct {
	rows []memtable.Row
	pos  int
}

// NewMemtableSource wraps rows, the output of MemTable.Freeze.
func NewMemtableSource(rows []memtable.Row) *MemtableSource {
	return &MemtableSource{rows: rows}
}

func (s *MemtableSource) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	value := kv.EncodeValue(r.Inline, r.Pos, r.Value)
	return Row{Key: r.Key, Version: r.Version, Value: value}, true, nil
}

// SSTableSource adapts an on-disk SSTable into a merge Source.
type SSTableSource struct {
	it *sstable.Iterator
}

// NewSSTableSource wraps r for sequential merge consumption.
func NewSSTableSource(r *sstable.Reader) *SSTableSource {
	return &SSTableSource{it: sstable.NewIterator(r)}
}

func (s *SSTableSource) Next() (Row, bool, error) {
	key, version, value, ok := s.it.Next()
	if !ok {
		return Row{}, false, s.it.Err()
	}
	return Row{Key: key, Version: version, Value: value}, true, nil
}

// SSTableSink adapts an sstable.Writer into a merge Sink, rotating to a
// fresh output file whenever the current one crosses targetFileSize.
// Finished files are collected for the caller (the level manager) to
// register.
type SSTableSink struct {
	newWriter func() (*sstable.Writer, error)
	w         *sstable.Writer
	target    int64
	written   int64
	outputs   []*sstable.Meta
}

// NewSSTableSink creates a sink that asks newWriter for a fresh
// sstable.Writer each time it rotates. targetFileSize bounds the
// approximate uncompressed size of each output file.
func NewSSTableSink(newWriter func() (*sstable.Writer, error), targetFileSize int64) *SSTableSink {
	return &SSTableSink{newWriter: newWriter, target: targetFileSize}
}

func (s *SSTableSink) ensure() error {
	if s.w != nil {
		return nil
	}
	w, err := s.newWriter()
	if err != nil {
		return err
	}
	s.w = w
	s.written = 0
	return nil
}

func (s *SSTableSink) Add(row Row) error {
	if err := s.ensure(); err != nil {
		return err
	}
	inline, pos, inlineVal := kv.DecodeValue(row.Value)
	isTombstone := !inline && pos.IsTombstone()
	if err := s.w.Add(row.Key, row.Version, row.Value, isTombstone); err != nil {
		return err
	}
	s.written += int64(len(row.Key) + len(row.Value))
	_ = inlineVal
	return nil
}

func (s *SSTableSink) ShouldSplit() bool {
	return s.w != nil && s.target > 0 && s.written >= s.target
}

func (s *SSTableSink) Rotate() error {
	return s.finishCurrent()
}

func (s *SSTableSink) Finish() error {
	return s.finishCurrent()
}

func (s *SSTableSink) finishCurrent() error {
	if s.w == nil {
		return nil
	}
	if s.w.Empty() {
		err := s.w.Abort()
		s.w = nil
		return err
	}
	meta, err := s.w.Finish()
	s.w = nil
	if err != nil {
		return err
	}
	s.outputs = append(s.outputs, meta)
	return nil
}

// Outputs returns every finished SSTable produced by this sink.
func (s *SSTableSink) Outputs() []*sstable.Meta { return s.outputs }
