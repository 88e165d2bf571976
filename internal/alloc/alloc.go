// Package alloc provides the file & allocator layer: aligned buffers,
// direct/buffered file handles, preallocation, durable rename, and the
// base32 id->path encoding used by the wal/, vlog/, and sst/ directory
// trees.
package alloc

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/kvengine/jdb/internal/errs"
)

// PageSize is the default alignment for direct-I/O buffers.
const PageSize = 4096

// AlignedBuffer allocates a byte slice whose backing array starts on a
// PageSize boundary and whose length is exactly size (size need not be
// a multiple of PageSize). Go's allocator does not
// guarantee page alignment, so this over-allocates and slices into the
// aligned region.
func AlignedBuffer(size int) []byte {
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size+PageSize)
	off := 0
	if rem := addrMod(buf, PageSize); rem != 0 {
		off = PageSize - rem
	}
	return buf[off : off+size : off+size]
}

// IsAligned reports whether n is a multiple of PageSize, the contract
// direct-I/O offsets and lengths must satisfy.
func IsAligned(n int64) bool {
	return n%PageSize == 0
}

// OpenDirect opens path for positioned reads/writes. True O_DIRECT is
// platform-specific and best-effort; on platforms without it this
// degrades to a buffered handle — callers must still respect the
// alignment contract so behavior doesn't depend on which path is taken.
func OpenDirect(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := openDirect(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "open direct %s: %v", path, err)
	}
	return f, nil
}

// OpenBuffered opens path for ordinary buffered I/O (used for the WAL
// append path and for manifest/checkpoint writes, which are sequential
// and small).
func OpenBuffered(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "open %s: %v", path, err)
	}
	return f, nil
}

// Preallocate reserves len bytes for fd without necessarily zeroing or
// extending the visible file size (best-effort; falls back to a no-op
// where the platform offers nothing better than Truncate).
func Preallocate(fd *os.File, length int64) error {
	return preallocate(fd, length)
}

// FsyncDir fsyncs the directory at path, the step that makes a prior
// rename durable against a crash.
func FsyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(errs.ErrIO, "open dir %s: %v", path, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(errs.ErrIO, "fsync dir %s: %v", path, err)
	}
	return nil
}

// AtomicRename fsyncs the source file, renames it over dst, then fsyncs
// dst's parent directory, so a crash yields either the old or the new
// file, never a partial one.
func AtomicRename(srcFile *os.File, src, dst string) error {
	if err := srcFile.Sync(); err != nil {
		return errors.Wrapf(errs.ErrIO, "fsync %s: %v", src, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(errs.ErrIO, "rename %s -> %s: %v", src, dst, err)
	}
	return FsyncDir(filepath.Dir(dst))
}
