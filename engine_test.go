package lsmkv_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lsmkv "github.com/kvengine/jdb"
	"github.com/kvengine/jdb/common"
	"github.com/kvengine/jdb/common/testutil"
	"github.com/kvengine/jdb/internal/kv"
)

func openTestEngine(t *testing.T) *lsmkv.Engine {
	t.Helper()
	dir := testutil.TempDir(t)
	cfg := lsmkv.DefaultConfig(dir)
	engine, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngine_PutGet(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	require.NoError(t, engine.Put([]byte("key1"), []byte("value1")))

	value, err := engine.Get([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), value)
}

func TestEngine_GetMissingKey(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	_, err := engine.Get([]byte("nonexistent"))
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestEngine_Delete(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	require.NoError(t, engine.Put([]byte("key1"), []byte("value1")))
	require.NoError(t, engine.Delete([]byte("key1")))

	_, err := engine.Get([]byte("key1"))
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestEngine_Overwrite(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	require.NoError(t, engine.Put([]byte("key1"), []byte("v1")))
	require.NoError(t, engine.Put([]byte("key1"), []byte("v2")))

	value, err := engine.Get([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func TestEngine_LargeValueUsesVlog(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, engine.Put([]byte("bigkey"), big))

	value, err := engine.Get([]byte("bigkey"))
	require.NoError(t, err)
	assert.Equal(t, big, value)
}

func TestEngine_RangeScan(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("user:%03d", i)
		require.NoError(t, engine.Put([]byte(key), []byte(fmt.Sprintf("v%d", i))))
	}
	// An interloping prefix must not leak into the range.
	require.NoError(t, engine.Put([]byte("product:001"), []byte("other")))

	var got []string
	rng := kv.Range{Lo: kv.Inclusive([]byte("user:005")), Hi: kv.Exclusive([]byte("user:010"))}
	err := engine.Range(rng, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:005", "user:006", "user:007", "user:008", "user:009"}, got)
}

func TestEngine_RangeScanStopsEarly(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, engine.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}

	count := 0
	err := engine.Range(kv.Range{}, func(key, value []byte) bool {
		count++
		return count < 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestEngine_FlushAndReopen(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	cfg := lsmkv.DefaultConfig(dir)

	engine, err := lsmkv.Open(cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key:%04d", i)
		require.NoError(t, engine.Put([]byte(key), []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, engine.Flush())
	require.NoError(t, engine.Close())

	reopened, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key:%04d", i)
		value, err := reopened.Get([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(value))
	}
}

func TestEngine_ReopenAfterSyncPreservesData(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	cfg := lsmkv.DefaultConfig(dir)

	engine, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Put([]byte("unflushed"), []byte("still-here")))
	require.NoError(t, engine.Sync())
	require.NoError(t, engine.Close())

	reopened, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get([]byte("unflushed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still-here"), value)
}

func TestEngine_CompactIsIdempotentOnEmptyEngine(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)
	assert.NoError(t, engine.Compact())
}

func TestEngine_EmptyKeyRejected(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)
	assert.Error(t, engine.Put([]byte(""), []byte("v")))
	assert.Error(t, engine.Delete([]byte("")))
}

func TestEngine_ClosedEngineRejectsOps(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	engine, err := lsmkv.Open(lsmkv.DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	assert.Error(t, engine.Put([]byte("k"), []byte("v")))
	_, err = engine.Get([]byte("k"))
	assert.Error(t, err)
}

func TestEngine_StatsReflectsWrites(t *testing.T) {
	t.Parallel()
	engine := openTestEngine(t)

	require.NoError(t, engine.Put([]byte("a"), []byte("1")))
	require.NoError(t, engine.Put([]byte("b"), []byte("2")))

	stats := engine.Stats()
	assert.Equal(t, int64(2), stats.WriteCount)
}

// TestEngine_WalRotationSurvivesReopen forces many flush cycles against a
// tiny WalMax, so every flush's save point drives at least one WAL
// rotation-and-purge pass; every key must still resolve after a close and
// reopen that replays whatever WAL segments recovery decides to keep.
func TestEngine_WalRotationSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	cfg := lsmkv.DefaultConfig(dir)
	cfg.WalMax = 2048

	engine, err := lsmkv.Open(cfg)
	require.NoError(t, err)

	const rounds = 8
	const perRound = 20
	for round := 0; round < rounds; round++ {
		for i := 0; i < perRound; i++ {
			key := fmt.Sprintf("wal:%02d:%03d", round, i)
			require.NoError(t, engine.Put([]byte(key), []byte(fmt.Sprintf("v-%d-%d", round, i))))
		}
		require.NoError(t, engine.Flush())
	}
	require.NoError(t, engine.Close())

	reopened, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for round := 0; round < rounds; round++ {
		for i := 0; i < perRound; i++ {
			key := fmt.Sprintf("wal:%02d:%03d", round, i)
			value, err := reopened.Get([]byte(key))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("v-%d-%d", round, i), string(value))
		}
	}
}

// TestEngine_ManifestRewriteKeepsStateConsistent forces several
// self-rewrites of the manifest against a tiny CheckpointTruncateAfter, so
// recovery must reconstruct state entirely from a rewritten snapshot
// rather than the original append log.
func TestEngine_ManifestRewriteKeepsStateConsistent(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	cfg := lsmkv.DefaultConfig(dir)
	cfg.CheckpointTruncateAfter = 3

	engine, err := lsmkv.Open(cfg)
	require.NoError(t, err)

	const rounds = 10
	for round := 0; round < rounds; round++ {
		key := fmt.Sprintf("m:%03d", round)
		require.NoError(t, engine.Put([]byte(key), []byte(fmt.Sprintf("value-%d", round))))
		require.NoError(t, engine.Flush())
	}
	require.NoError(t, engine.Close())

	reopened, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for round := 0; round < rounds; round++ {
		key := fmt.Sprintf("m:%03d", round)
		value, err := reopened.Get([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", round), string(value))
	}
}

// TestEngine_VlogSegmentsSurviveReopen forces several vlog segment
// rotations via a tiny VlogMax, so recovery must re-register every sealed
// segment's size and still resolve values that live in an earlier segment
// than the active one.
func TestEngine_VlogSegmentsSurviveReopen(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	cfg := lsmkv.DefaultConfig(dir)
	cfg.InlineThreshold = 16
	cfg.VlogMax = 4096

	engine, err := lsmkv.Open(cfg)
	require.NoError(t, err)

	const n = 40
	value := make([]byte, 512)
	for i := range value {
		value[i] = byte(i)
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("vlog:%03d", i)
		require.NoError(t, engine.Put([]byte(key), value))
	}
	// Deleting every third key exercises tombstone replay across a vlog
	// segment boundary, not just plain survival.
	for i := 0; i < n; i += 3 {
		require.NoError(t, engine.Delete([]byte(fmt.Sprintf("vlog:%03d", i))))
	}
	require.NoError(t, engine.Close())

	reopened, err := lsmkv.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("vlog:%03d", i)
		got, err := reopened.Get([]byte(key))
		if i%3 == 0 {
			assert.ErrorIs(t, err, common.ErrKeyNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, value, got)
	}
}
