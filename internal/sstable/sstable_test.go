package sstable_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/jdb/common/testutil"
	"github.com/kvengine/jdb/internal/errs"
	"github.com/kvengine/jdb/internal/kv"
	"github.com/kvengine/jdb/internal/sstable"
)

func writeTestTable(t *testing.T, path string, n int) {
	t.Helper()
	w, err := sstable.NewWriter(path, 0, kv.Asc, n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key:%04d", i))
		value := kv.EncodeValue(true, kv.Pos{}, []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, w.Add(key, uint64(i+1), value, false))
	}
	_, err = w.Finish()
	require.NoError(t, err)
}

func TestWriterReader_RoundTrip(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "table.sst")
	writeTestTable(t, path, 50)

	r, err := sstable.Open(path, kv.Asc)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key:%04d", i))
		version, value, ok, err := r.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", key)
		assert.Equal(t, uint64(i+1), version)

		inline, _, inlineVal := kv.DecodeValue(value)
		assert.True(t, inline)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(inlineVal))
	}

	_, _, ok, err := r.Get([]byte("key:9999"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []byte("key:0000"), r.MinKey())
	assert.Equal(t, []byte("key:0049"), r.MaxKey())
}

func TestReader_RangeIter(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "table.sst")
	writeTestTable(t, path, 30)

	r, err := sstable.Open(path, kv.Asc)
	require.NoError(t, err)
	defer r.Close()

	var got []string
	rng := kv.Range{Lo: kv.Inclusive([]byte("key:0010")), Hi: kv.Exclusive([]byte("key:0015"))}
	err = r.RangeIter(rng, func(key []byte, version uint64, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"key:0010", "key:0011", "key:0012", "key:0013", "key:0014"}, got)
}

// flipByte XORs a single byte so the CRC32 covering it no longer matches,
// the cheapest way to simulate a torn or bit-flipped block on disk.
func flipByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	var b [1]byte
	_, err = f.ReadAt(b[:], offset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], offset)
	require.NoError(t, err)
}

func TestReader_DetectsCorruptedBlock(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "table.sst")
	writeTestTable(t, path, 10)

	// The first data block starts at offset 0; flipping a byte inside it
	// invalidates the block's trailing CRC32 without touching the footer,
	// index, or filter sections the reader validates at Open.
	flipByte(t, path, 4)

	r, err := sstable.Open(path, kv.Asc)
	require.NoError(t, err)
	defer r.Close()

	_, _, _, err = r.Get([]byte("key:0000"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrChecksumCategory))
}

func TestReader_DetectsCorruptedFooter(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "table.sst")
	writeTestTable(t, path, 10)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	// The footer's own CRC32 sits in its last 4 bytes.
	flipByte(t, path, stat.Size()-1)

	_, err = sstable.Open(path, kv.Asc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrChecksumCategory))
}

func TestWriter_MultiBlockSplitsAndReloads(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "table.sst")
	// Large enough entry count/value size to force multiple data blocks
	// past sstable.BlockSize, exercising the index's multi-block lookup.
	const n = 500
	w, err := sstable.NewWriter(path, 2, kv.Asc, n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key:%05d", i))
		value := kv.EncodeValue(true, kv.Pos{}, make([]byte, 64))
		require.NoError(t, w.Add(key, uint64(i+1), value, false))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, n, meta.NumEntries)
	assert.Equal(t, 2, meta.Level)

	r, err := sstable.Open(path, kv.Asc)
	require.NoError(t, err)
	defer r.Close()

	for _, i := range []int{0, 123, 250, 499} {
		key := []byte(fmt.Sprintf("key:%05d", i))
		version, _, ok, err := r.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), version)
	}
}
