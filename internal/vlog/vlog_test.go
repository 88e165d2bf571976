package vlog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/jdb/common/testutil"
	"github.com/kvengine/jdb/internal/alloc"
	"github.com/kvengine/jdb/internal/kv"
	"github.com/kvengine/jdb/internal/vlog"
)

func newManager(t *testing.T) (*vlog.Manager, string) {
	t.Helper()
	dir := testutil.TempDir(t)
	var id uint64
	m, err := vlog.NewManager(dir, 1<<20, false, func() uint64 {
		id++
		return id
	})
	require.NoError(t, err)
	require.NoError(t, m.OpenOrCreateActive(0))
	t.Cleanup(func() { m.CloseAll() })
	return m, dir
}

func TestVlog_AppendRead(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	pos, err := m.Append([]byte("hello world"))
	require.NoError(t, err)

	value, err := m.Read(pos)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), value)
}

func TestVlog_ReadTombstoneFails(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	_, err := m.Read(kv.Tombstone())
	assert.Error(t, err)
}

func TestVlog_DiscardUpdatesLiveRatio(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	pos, err := m.Append([]byte("value-to-discard"))
	require.NoError(t, err)

	ratio, ok := m.LiveRatio(pos.VlogID)
	require.True(t, ok)
	assert.Equal(t, float64(1), ratio)

	m.Discard(pos)

	ratio, ok = m.LiveRatio(pos.VlogID)
	require.True(t, ok)
	assert.Less(t, ratio, float64(1))
}

func TestVlog_ScanValidDetectsCorruptTail(t *testing.T) {
	t.Parallel()
	m, dir := newManager(t)

	_, err := m.Append([]byte("good record"))
	require.NoError(t, err)
	require.NoError(t, m.CloseAll())

	path := filepath.Join(vlog.Dir(dir), alloc.IDEncode(0))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	stat, err := f.Stat()
	require.NoError(t, err)

	// Append a bogus, truncated trailing header past the good record.
	_, err = f.WriteAt([]byte{1, 2, 3, 4}, stat.Size())
	require.NoError(t, err)

	newStat, err := f.Stat()
	require.NoError(t, err)

	offset, err := vlog.ScanValid(f, newStat.Size())
	require.NoError(t, err)
	assert.Equal(t, stat.Size(), offset)
}
