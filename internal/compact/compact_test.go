package compact

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/jdb/common/testutil"
	"github.com/kvengine/jdb/internal/kv"
	"github.com/kvengine/jdb/internal/levels"
	"github.com/kvengine/jdb/internal/manifest"
	"github.com/kvengine/jdb/internal/memtable"
	"github.com/kvengine/jdb/internal/sstable"
	"github.com/kvengine/jdb/internal/vlog"
)

func idAllocator() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func newTestDeps(t *testing.T) (Deps, string) {
	t.Helper()
	dir := testutil.TempDir(t)
	mf, err := manifest.Open(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { mf.Close() })

	return Deps{
		Root:     dir,
		Order:    kv.Asc,
		Pipeline: memtable.NewPipeline(kv.Asc, 1<<20),
		Levels:   levels.New(kv.Asc),
		Manifest: mf,
		NextID:   idAllocator(),
	}, dir
}

func replayOps(t *testing.T, dir string) []manifest.Op {
	t.Helper()
	var ops []manifest.Op
	require.NoError(t, manifest.Replay(dir, func(op manifest.Op) error {
		ops = append(ops, op)
		return nil
	}))
	return ops
}

func TestOrchestrator_FlushOneWritesSSTAndSavePoint(t *testing.T) {
	t.Parallel()
	deps, dir := newTestDeps(t)

	var rotatedWalID uint64
	deps.RotateWAL = func(walID uint64) error {
		rotatedWalID = walID
		return nil
	}

	orch := New(deps)

	active := deps.Pipeline.Active()
	active.Put([]byte("a"), 1, []byte("1"))
	active.Put([]byte("b"), 2, []byte("2"))
	mt := deps.Pipeline.ForceRotate()
	require.NotNil(t, mt)
	mt.SetSavePoint(42, 4096)

	require.NoError(t, orch.flushOne(mt))

	files := deps.Levels.Files(0)
	require.Len(t, files, 1)

	version, value, ok, err := files[0].Reader.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), version)
	inline, _, inlineVal := kv.DecodeValue(value)
	assert.True(t, inline)
	assert.Equal(t, "1", string(inlineVal))

	ops := replayOps(t, dir)
	require.Len(t, ops, 2)
	assert.Equal(t, manifest.OpFlush, ops[0].Kind)
	assert.Equal(t, 0, ops[0].Level)
	assert.Equal(t, manifest.OpSave, ops[1].Kind)
	assert.Equal(t, uint64(42), ops[1].WalID)
	assert.Equal(t, int64(4096), ops[1].Offset)

	assert.Equal(t, uint64(42), rotatedWalID)
}

func TestOrchestrator_FlushOneEmptyMemtableStillAppendsSave(t *testing.T) {
	t.Parallel()
	deps, dir := newTestDeps(t)
	orch := New(deps)

	mt := memtable.New(kv.Asc, 1<<20)
	mt.SetSavePoint(7, 128)

	require.NoError(t, orch.flushOne(mt))
	assert.Empty(t, deps.Levels.Files(0))

	ops := replayOps(t, dir)
	require.Len(t, ops, 1)
	assert.Equal(t, manifest.OpSave, ops[0].Kind)
	assert.Equal(t, uint64(7), ops[0].WalID)
}

func writeSST(t *testing.T, path string, order kv.Order, level int, rows map[string]struct {
	version uint64
	value   string
}) *sstable.Reader {
	t.Helper()
	w, err := sstable.NewWriter(path, level, order, len(rows))
	require.NoError(t, err)

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	// Keep insertion sorted; callers pass already-disjoint single-block
	// key sets so a naive sort is enough for this helper.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for _, k := range keys {
		r := rows[k]
		value := kv.EncodeValue(true, kv.Pos{}, []byte(r.value))
		require.NoError(t, w.Add([]byte(k), r.version, value, false))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	reader, err := sstable.Open(path, order)
	require.NoError(t, err)
	return reader
}

func TestOrchestrator_CompactionKeepsOnlyLatestVersion(t *testing.T) {
	t.Parallel()
	deps, dir := newTestDeps(t)
	orch := New(deps)

	type row = struct {
		version uint64
		value   string
	}

	r1 := writeSST(t, dir+"/sst1.sst", kv.Asc, 0, map[string]row{
		"x": {version: 1, value: "v1"},
		"y": {version: 1, value: "y1"},
	})
	deps.Levels.Add(0, &levels.File{Reader: r1, ID: 1, FileSize: 1})

	r2 := writeSST(t, dir+"/sst2.sst", kv.Asc, 0, map[string]row{
		"x": {version: 2, value: "v2"},
	})
	deps.Levels.Add(0, &levels.File{Reader: r2, ID: 2, FileSize: 1})

	require.NoError(t, orch.compactOnce(0))

	assert.Empty(t, deps.Levels.Files(0))
	l1 := deps.Levels.Files(1)
	require.Len(t, l1, 1)

	version, value, ok, err := l1[0].Reader.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), version)
	_, _, inlineVal := kv.DecodeValue(value)
	assert.Equal(t, "v2", string(inlineVal))

	_, _, ok, err = l1[0].Reader.Get([]byte("y"))
	require.NoError(t, err)
	require.True(t, ok)

	ops := replayOps(t, dir)
	require.NotEmpty(t, ops)
	assert.Equal(t, manifest.OpCompact, ops[0].Kind)
	assert.Equal(t, 1, ops[0].Level)
	assert.ElementsMatch(t, []uint64{1, 2}, ops[0].OldIDs)
}

func TestOrchestrator_VlogGCRewritesDrainedSegmentAndRelocatesSurvivors(t *testing.T) {
	t.Parallel()
	deps, dir := newTestDeps(t)

	// Four 66-byte records (16-byte header + 50-byte value) fill exactly
	// past a 200-byte segment cap, forcing an auto-seal after the fourth.
	vm, err := vlog.NewManager(dir, 200, false, deps.NextID)
	require.NoError(t, err)
	require.NoError(t, vm.OpenOrCreateActive(deps.NextID()))
	deps.Vlog = vm

	relocated := map[string]kv.Pos{}
	deps.Relocate = func(key []byte, version uint64, oldPos, newPos kv.Pos) error {
		relocated[string(key)] = newPos
		deps.Pipeline.Active().PutPos(key, version+1, newPos)
		return nil
	}

	orch := New(deps)

	payload := func(tag byte) []byte {
		v := make([]byte, 50)
		for i := range v {
			v[i] = tag
		}
		return v
	}

	keys := []string{"a0", "a1", "a2", "a3"}
	positions := make(map[string]kv.Pos, len(keys))
	for i, k := range keys {
		pos, err := vm.Append(payload(byte(i)))
		require.NoError(t, err)
		positions[k] = pos
		deps.Pipeline.Active().PutPos([]byte(k), uint64(i+1), pos)
	}

	sealedID := positions["a0"].VlogID
	require.Contains(t, vm.SealedIDs(), sealedID)

	// Delete three of the four keys and tell the vlog their bytes are
	// dead, the same bookkeeping compaction's discard callback performs.
	version := uint64(len(keys) + 1)
	for _, k := range keys[:3] {
		version++
		deps.Pipeline.Active().Delete([]byte(k), version)
		vm.Discard(positions[k])
	}

	ratio, ok := vm.LiveRatio(sealedID)
	require.True(t, ok)
	assert.Less(t, ratio, GCLiveRatio)

	require.NoError(t, orch.runVlogGC())

	assert.NotContains(t, vm.SealedIDs(), sealedID)

	survivorPos, ok := relocated["a3"]
	require.True(t, ok, "a3 should have been relocated off the drained segment")
	assert.NotEqual(t, sealedID, survivorPos.VlogID)

	row, ok := deps.Pipeline.Active().Get([]byte("a3"))
	require.True(t, ok)
	assert.Equal(t, survivorPos, row.Pos)

	got, err := vm.Read(survivorPos)
	require.NoError(t, err)
	assert.Equal(t, payload(3), got)

	for _, k := range keys[:3] {
		assert.NotContains(t, relocated, k, "%s was deleted and must not be relocated", k)
	}
}

func TestOrchestrator_VlogGCSkipsSegmentsAboveLiveRatio(t *testing.T) {
	t.Parallel()
	deps, dir := newTestDeps(t)

	vm, err := vlog.NewManager(dir, 1<<20, false, deps.NextID)
	require.NoError(t, err)
	require.NoError(t, vm.OpenOrCreateActive(deps.NextID()))
	deps.Vlog = vm
	deps.Relocate = func(key []byte, version uint64, oldPos, newPos kv.Pos) error {
		t.Fatalf("Relocate should not be called when nothing is below GCLiveRatio")
		return nil
	}

	orch := New(deps)

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		pos, err := vm.Append([]byte("value"))
		require.NoError(t, err)
		deps.Pipeline.Active().PutPos(key, uint64(i+1), pos)
	}

	// Nothing is sealed yet (maxSize is large), so SealedIDs is empty and
	// the GC pass must be a no-op.
	require.NoError(t, orch.runVlogGC())
}
