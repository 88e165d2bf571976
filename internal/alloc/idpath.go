package alloc

import (
	"encoding/base32"
	"path/filepath"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// IDEncode base32-encodes a 64-bit file id into a flat filename, used
// by the wal/ and vlog/ directories (<dir>/wal/<base32-id>).
func IDEncode(id uint64) string {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * (7 - i)))
	}
	enc := idEncoding.EncodeToString(buf)
	if len(enc) < 4 {
		enc = "0000" + enc
	}
	return enc
}

// IDDecode inverts IDEncode, used when a directory listing (wal/, vlog/)
// needs to recover the id a filename encodes.
func IDDecode(name string) (uint64, bool) {
	buf, err := idEncoding.DecodeString(name)
	if err != nil || len(buf) != 8 {
		return 0, false
	}
	var id uint64
	for i := 0; i < 8; i++ {
		id = id<<8 | uint64(buf[i])
	}
	return id, true
}

// IDPath serializes a 64-bit file id into dir/xx/xx/rest, two two-char
// prefix directories plus the remainder, so a directory never holds
// more than a few thousand entries regardless of total file count. Used
// by the sst/ directory.
func IDPath(root string, id uint64) string {
	enc := IDEncode(id)
	return filepath.Join(root, enc[0:2], enc[2:4], enc[4:])
}
