//go:build !linux

package alloc

import "os"

// openDirect degrades to a buffered handle on platforms without a
// portable O_DIRECT equivalent; callers still honor the alignment
// contract so behavior is uniform across platforms.
func openDirect(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

func preallocate(fd *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	return fd.Truncate(length)
}
