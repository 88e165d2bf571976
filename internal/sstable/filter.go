package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"

	"github.com/kvengine/jdb/internal/errs"
)

// Filter is the membership-test capability an SSTable attaches to
// itself to skip a block read for keys it definitely does not hold.
type Filter interface {
	Add(key []byte)
	MayContain(key []byte) bool
	Encode() []byte
}

// BloomFilter adapts bits-and-blooms/bloom/v3 to the Filter interface.
type BloomFilter struct {
	bf *bloom.BloomFilter
}

// NewBloomFilter sizes a filter for expectedKeys items at falsePositive
// rate, falling back to a minimal filter rather than failing outright
// over a pathological (zero or negative) key count estimate.
func NewBloomFilter(expectedKeys int, falsePositive float64) *BloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &BloomFilter{bf: bloom.NewWithEstimates(uint(expectedKeys), falsePositive)}
}

func (f *BloomFilter) Add(key []byte)              { f.bf.Add(key) }
func (f *BloomFilter) MayContain(key []byte) bool   { return f.bf.Test(key) }

// Encode serializes the filter's bitset via its own binary codec,
// length-prefixed so a reader can slice it out of the trailing section.
func (f *BloomFilter) Encode() []byte {
	var buf bytes.Buffer
	if _, err := f.bf.WriteTo(&buf); err != nil {
		// bytes.Buffer never fails on Write; keep the filter section
		// absent rather than propagate an impossible error.
		return nil
	}
	return buf.Bytes()
}

// DecodeBloomFilter reconstructs a filter from bytes written by Encode.
func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrapf(errs.ErrFilterBuildFailed, "decode bloom filter: %v", err)
	}
	return &BloomFilter{bf: bf}, nil
}

// noFilter is used when filter construction failed over a pathological
// key set; every lookup falls through to the block read.
type noFilter struct{}

func (noFilter) Add([]byte)             {}
func (noFilter) MayContain([]byte) bool { return true }
func (noFilter) Encode() []byte         { return nil }

func encodeFilterSection(f Filter) []byte {
	body := f.Encode()
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}
