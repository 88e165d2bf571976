package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"github.com/kvengine/jdb/internal/errs"
)

const magic = 0x4A44424C53535442 // "JDBLSSTB"

// footerVersion is bumped whenever the footer layout changes; decodeFooter
// only understands the current version.
const footerVersion = 1

// footerSize: indexOffset(8) filterOffset(8) metaOffset(8) maxVersion(8)
// removedBytes(8) level(4) magic(8) version(1) crc32(4).
const footerSize = 8*5 + 4 + 8 + 1 + 4

type footer struct {
	indexOffset  uint64
	filterOffset uint64
	metaOffset   uint64
	maxVersion   uint64
	removedBytes uint64
	level        uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.indexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], f.filterOffset)
	binary.LittleEndian.PutUint64(buf[16:24], f.metaOffset)
	binary.LittleEndian.PutUint64(buf[24:32], f.maxVersion)
	binary.LittleEndian.PutUint64(buf[32:40], f.removedBytes)
	binary.LittleEndian.PutUint32(buf[40:44], f.level)
	binary.LittleEndian.PutUint64(buf[44:52], magic)
	buf[52] = footerVersion
	crc := crc32.ChecksumIEEE(buf[:53])
	binary.LittleEndian.PutUint32(buf[53:57], crc)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, errors.WithStack(&errs.InvalidBlock{Offset: -1})
	}
	if binary.LittleEndian.Uint64(buf[44:52]) != magic {
		return footer{}, errors.WithStack(&errs.InvalidBlock{Offset: -1})
	}
	if buf[52] != footerVersion {
		return footer{}, errors.WithStack(&errs.InvalidBlock{Offset: -1})
	}
	wantCRC := binary.LittleEndian.Uint32(buf[53:57])
	gotCRC := crc32.ChecksumIEEE(buf[:53])
	if wantCRC != gotCRC {
		return footer{}, errors.WithStack(&errs.ChecksumMismatch{Expected: wantCRC, Actual: gotCRC})
	}
	return footer{
		indexOffset:  binary.LittleEndian.Uint64(buf[0:8]),
		filterOffset: binary.LittleEndian.Uint64(buf[8:16]),
		metaOffset:   binary.LittleEndian.Uint64(buf[16:24]),
		maxVersion:   binary.LittleEndian.Uint64(buf[24:32]),
		removedBytes: binary.LittleEndian.Uint64(buf[32:40]),
		level:        binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}
