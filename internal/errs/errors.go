// Package errs defines the engine's error taxonomy. Every variant is a
// sentinel or a struct wrapping one, built on
// cockroachdb/errors so callers can use errors.Is/errors.As across
// package boundaries the way the rest of the pack does.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel categories. Wrap with errors.Wrapf(ErrIO, "...") etc. so
// errors.Is(err, ErrIO) keeps working after wrapping.
var (
	// ErrIO is an OS-level I/O error; retry policy is left to the caller.
	ErrIO = errors.New("jdb: io error")

	// ErrNotFound means the requested key does not exist.
	ErrNotFound = errors.New("jdb: key not found")

	// ErrFilterBuildFailed means filter construction failed over a
	// pathological key set; the writer falls back to no filter.
	ErrFilterBuildFailed = errors.New("jdb: filter build failed")

	// ErrLocked means another process holds the directory lock.
	ErrLocked = errors.New("jdb: data directory is locked by another process")

	// ErrClosed means the operation was attempted on a closed engine.
	ErrClosed = errors.New("jdb: engine is closed")

	// ErrAlignment means a direct-I/O alignment contract was violated.
	ErrAlignment = errors.New("jdb: buffer or offset not aligned")

	// ErrShortRead/ErrShortWrite mean a positioned I/O call returned
	// fewer bytes than requested without an error.
	ErrShortRead  = errors.New("jdb: short read")
	ErrShortWrite = errors.New("jdb: short write")

	// ErrKeyEmpty/ErrKeyTooLong bound key length to 1..=65535 bytes.
	ErrKeyEmpty   = errors.New("jdb: key must be non-empty")
	ErrKeyTooLong = errors.New("jdb: key exceeds 65535 bytes")

	// ErrValueTooLong bounds value length to val_len <= 2^32-1.
	ErrValueTooLong = errors.New("jdb: value exceeds uint32 range")

	// ErrChecksumCategory and ErrCorruptedCategory are the sentinels
	// errors.Is should match against for *ChecksumMismatch/*Corrupted,
	// since those carry per-instance fields.
	ErrChecksumCategory  = errors.New("jdb: checksum mismatch")
	ErrCorruptedCategory = errors.New("jdb: corrupted")
)

// Corrupted marks CRC or structural mismatch at a byte offset within a
// named file. Recovery truncates the file at Offset rather than
// aborting, except for the manifest, where it is fatal to the whole
// engine.
type Corrupted struct {
	File   string
	Offset int64
}

func (e *Corrupted) Error() string {
	return fmt.Sprintf("%s: corrupted at offset %d", e.File, e.Offset)
}

func (e *Corrupted) Is(target error) bool { return target == ErrCorruptedCategory }

// NewCorrupted builds a *Corrupted wrapping the corrupted-file category.
func NewCorrupted(file string, offset int64) error {
	return &Corrupted{File: file, Offset: offset}
}

// InvalidBlock marks a structurally invalid SSTable block at Offset.
type InvalidBlock struct {
	Offset int64
}

func (e *InvalidBlock) Error() string {
	return fmt.Sprintf("invalid block at offset %d", e.Offset)
}

// ChecksumMismatch marks an SSTable/WAL/vlog read corruption.
type ChecksumMismatch struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %#x got %#x", e.Expected, e.Actual)
}

func (e *ChecksumMismatch) Is(target error) bool { return target == ErrChecksumCategory }
