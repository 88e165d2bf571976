// Package kv holds the value types shared by every layer of the engine:
// the physical value reference (Pos), the logical entry (Key, Version,
// Pos-or-inline), ordering policy, and range bounds.
package kv

import "encoding/binary"

// PosSize is the on-disk size of a Pos: vlog_id(8) + offset(8).
const PosSize = 16

const tombstoneBit = uint64(1) << 63

// Pos identifies the physical location of a value: a vlog file id plus a
// byte offset into it, or a tombstone (no value at all). The high bit of
// Offset is reserved as the tombstone flag, per the on-disk format.
type Pos struct {
	VlogID uint64
	Offset uint64
}

// Tombstone returns a Pos representing a deletion marker.
func Tombstone() Pos {
	return Pos{Offset: tombstoneBit}
}

// IsTombstone reports whether this Pos marks a deletion.
func (p Pos) IsTombstone() bool {
	return p.Offset&tombstoneBit != 0
}

// RealOffset returns the offset with the tombstone bit masked off.
func (p Pos) RealOffset() uint64 {
	return p.Offset &^ tombstoneBit
}

// Encode writes the 16-byte wire form of p into buf, which must be at
// least PosSize bytes.
func (p Pos) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], p.VlogID)
	binary.LittleEndian.PutUint64(buf[8:16], p.Offset)
}

// DecodePos reads a Pos from the first PosSize bytes of buf.
func DecodePos(buf []byte) Pos {
	return Pos{
		VlogID: binary.LittleEndian.Uint64(buf[0:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
	}
}
