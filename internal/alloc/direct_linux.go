//go:build linux

package alloc

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens path with O_DIRECT on Linux, where it's actually
// available; the alignment contract (PageSize-aligned buffers and
// offsets) only matters for correctness when this path is taken.
func openDirect(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag|unix.O_DIRECT, perm)
	if err != nil {
		// Some filesystems (tmpfs, overlayfs) reject O_DIRECT outright;
		// degrade to buffered rather than fail the whole engine.
		return os.OpenFile(path, flag, perm)
	}
	return f, nil
}

func preallocate(fd *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	err := unix.Fallocate(int(fd.Fd()), 0, 0, length)
	if err != nil {
		// Fallocate is unsupported on some filesystems; fall back to a
		// plain truncate, which at least reserves the logical size.
		return fd.Truncate(length)
	}
	return nil
}
