package wal

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/kvengine/jdb/internal/errs"
)

// ReplayFunc is invoked once per recovered record, in file order.
type ReplayFunc func(e Entry) error

// Replay reads the WAL file for id starting at fromOffset, parsing
// records until a CRC failure or truncated record, then truncates the
// file at the last valid offset. A corruption at the tail is not fatal:
// everything before it is kept and fed to fn.
func Replay(root string, id uint64, fromOffset int64, log *logrus.Entry, fn ReplayFunc) error {
	path := pathFor(root, id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(errs.ErrIO, "open %s: %v", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return errors.Wrapf(errs.ErrIO, "stat %s: %v", path, err)
	}
	if fromOffset > stat.Size() {
		fromOffset = stat.Size()
	}

	data, err := io.ReadAll(io.NewSectionReader(f, fromOffset, stat.Size()-fromOffset))
	if err != nil {
		return errors.Wrapf(errs.ErrIO, "read %s: %v", path, err)
	}

	validThrough := fromOffset
	pos := 0
	for pos < len(data) {
		e, n, err := Decode(data[pos:])
		if err != nil {
			if log != nil {
				log.WithFields(logrus.Fields{
					"wal_id": id,
					"offset": validThrough,
				}).Warn("wal: truncating at first corrupt/incomplete record")
			}
			break
		}
		if err := fn(e); err != nil {
			return err
		}
		pos += n
		validThrough += int64(n)
	}

	if validThrough < stat.Size() {
		if err := f.Close(); err != nil {
			return errors.Wrapf(errs.ErrIO, "close %s: %v", path, err)
		}
		if err := os.Truncate(path, validThrough); err != nil {
			return errors.Wrapf(errs.ErrIO, "truncate %s: %v", path, err)
		}
	}
	return nil
}
