// Package wal implements the write-ahead log: a rotating directory of
// framed append-only files used to recover the memtable after a crash.
package wal

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/kvengine/jdb/internal/alloc"
	"github.com/kvengine/jdb/internal/errs"
)

// WAL is the active, appendable log file plus the directory it rotates
// within.
type WAL struct {
	mu      sync.Mutex
	dir     string
	id      uint64
	file    *os.File
	offset  int64
	maxSize int64
	log     *logrus.Entry
}

// Dir returns the wal/ directory path for a data directory root.
func Dir(root string) string { return filepath.Join(root, "wal") }

func pathFor(root string, id uint64) string {
	return filepath.Join(Dir(root), alloc.IDEncode(id))
}

// Open creates or reopens the WAL file for id under root and returns a
// WAL positioned for append.
func Open(root string, id uint64, maxSize int64, log *logrus.Entry) (*WAL, error) {
	if err := os.MkdirAll(Dir(root), 0o755); err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "mkdir %s: %v", Dir(root), err)
	}
	path := pathFor(root, id)
	f, err := alloc.OpenBuffered(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(errs.ErrIO, "stat %s: %v", path, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WAL{
		dir:     root,
		id:      id,
		file:    f,
		offset:  stat.Size(),
		maxSize: maxSize,
		log:     log.WithField("wal_id", id),
	}, nil
}

// ID returns this WAL's file id.
func (w *WAL) ID() uint64 { return w.id }

// Offset returns the current append offset. Append does not fsync, so
// the bytes below it are durable only after Sync.
func (w *WAL) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Append writes e to the log and returns the offset immediately after
// the record. It does not fsync; call Sync for a durability barrier.
func (w *WAL) Append(e Entry) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := Encode(nil, e)
	n, err := w.file.Write(buf)
	if err != nil {
		return 0, errors.Wrapf(errs.ErrIO, "wal append: %v", err)
	}
	if n != len(buf) {
		return 0, errs.ErrShortWrite
	}
	w.offset += int64(n)
	return w.offset, nil
}

// Sync forces a durability barrier: all Append calls that returned
// before Sync was called are guaranteed durable once Sync returns.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return errors.Wrapf(errs.ErrIO, "wal sync: %v", err)
	}
	return nil
}

// NeedsRotation reports whether the active WAL has exceeded maxSize.
func (w *WAL) NeedsRotation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset >= w.maxSize
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(errs.ErrIO, "wal close: %v", err)
	}
	return nil
}

// Remove closes and deletes the WAL file, used once its data is durably
// reflected in an SST (a Save marker has passed its offset).
func (w *WAL) Remove() error {
	w.mu.Lock()
	path := pathFor(w.dir, w.id)
	w.file.Close()
	w.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errs.ErrIO, "remove wal %s: %v", path, err)
	}
	return nil
}

// RemoveFile deletes the on-disk WAL segment id under root without
// requiring an open *WAL handle, used to purge a segment that was
// rotated out and closed earlier, once a later Save point proves no
// replay will ever need it again.
func RemoveFile(root string, id uint64) error {
	if err := os.Remove(pathFor(root, id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errs.ErrIO, "remove wal %d: %v", id, err)
	}
	return nil
}
