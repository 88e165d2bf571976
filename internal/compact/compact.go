// Package compact supervises the engine's three background tasks —
// memtable flush, level compaction, and value-log GC — as
// errgroup-managed goroutines, generalizing the teacher's
// channel-driven flushWorker/compactionWorker pair with a third task
// and first-fatal-error propagation to Close.
package compact

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kvengine/jdb/internal/alloc"
	"github.com/kvengine/jdb/internal/errs"
	"github.com/kvengine/jdb/internal/kv"
	"github.com/kvengine/jdb/internal/levels"
	"github.com/kvengine/jdb/internal/manifest"
	"github.com/kvengine/jdb/internal/memtable"
	"github.com/kvengine/jdb/internal/merge"
	"github.com/kvengine/jdb/internal/sstable"
	"github.com/kvengine/jdb/internal/vlog"
)

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(errs.ErrIO, "mkdir %s: %v", filepath.Dir(path), err)
	}
	return nil
}

// GCLiveRatio is the live-byte fraction below which a sealed vlog file
// is rewritten to reclaim space.
const GCLiveRatio = 0.5

// vlogGCInterval is how often the GC loop scans sealed vlog files for
// candidates crossing GCLiveRatio.
const vlogGCInterval = 30 * time.Second

// TargetFileSize bounds the approximate size of one compaction output
// SSTable.
const TargetFileSize = 32 * 1024 * 1024

// Deps are the components the orchestrator drives. The engine owns
// their lifetimes; the orchestrator only calls into them.
type Deps struct {
	Root     string
	Order    kv.Order
	Pipeline *memtable.Pipeline
	Levels   *levels.Manager
	Manifest *manifest.Manifest
	Vlog     *vlog.Manager
	NextID   func() uint64
	Log      *logrus.Entry

	// RotateWAL is called after every flush durably records its save
	// point, passing that save point's WAL id. The engine rotates its
	// active WAL past wal_max if needed and purges any previously
	// rotated-out segments this save point proves are fully replayed.
	RotateWAL func(saveWalID uint64) error

	// Relocate rewrites key's value-log pointer from oldPos to newPos,
	// used by vlog GC once it has copied the live value into a fresh
	// segment. version guards against relocating a value a concurrent
	// write has already superseded, since the engine's mutex only
	// serializes against Close, not against other writers.
	Relocate func(key []byte, version uint64, oldPos, newPos kv.Pos) error
}

// Orchestrator runs flush, compaction, and vlog GC as supervised
// background goroutines.
type Orchestrator struct {
	deps       Deps
	flushSig   chan struct{}
	compactSig chan struct{}
	group      *errgroup.Group
	ctx        context.Context
	cancel     context.CancelFunc

	saveMu     sync.Mutex
	saveWalID  uint64
	saveOffset int64
}

// New creates an orchestrator bound to deps. Call Start to launch its
// goroutines and Close to stop them and surface the first fatal error.
func New(deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	return &Orchestrator{
		deps:       deps,
		flushSig:   make(chan struct{}, 1),
		compactSig: make(chan struct{}, 1),
		group:      g,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the flush, compaction, and vlog-GC loops.
func (o *Orchestrator) Start() {
	o.group.Go(o.flushLoop)
	o.group.Go(o.compactLoop)
	o.group.Go(o.vlogGCLoop)
}

// SignalFlush asks the flush loop to check the pipeline's frozen list,
// non-blocking so writers never stall on a full signal channel.
func (o *Orchestrator) SignalFlush() {
	select {
	case o.flushSig <- struct{}{}:
	default:
	}
}

// SignalCompact asks the compaction loop to reassess level scores.
func (o *Orchestrator) SignalCompact() {
	select {
	case o.compactSig <- struct{}{}:
	default:
	}
}

// Close stops every background loop and returns the first error any
// of them encountered.
func (o *Orchestrator) Close() error {
	o.cancel()
	return o.group.Wait()
}

func (o *Orchestrator) flushLoop() error {
	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-o.flushSig:
			for _, mt := range o.deps.Pipeline.FrozenList() {
				if err := o.flushOne(mt); err != nil {
					return err
				}
			}
			o.SignalCompact()
		}
	}
}

// appendSave writes an OpSave marker and remembers the save point so a
// later manifest self-rewrite (checkpointIfNeeded) can re-emit it.
func (o *Orchestrator) appendSave(walID uint64, offset int64) error {
	if err := o.deps.Manifest.Append(manifest.Op{Kind: manifest.OpSave, WalID: walID, Offset: offset}); err != nil {
		return err
	}
	o.saveMu.Lock()
	o.saveWalID, o.saveOffset = walID, offset
	o.saveMu.Unlock()
	return nil
}

// checkpointVlogLive persists the vlog manager's current live-byte
// accounting to the manifest, so discard/GC bookkeeping survives a
// restart instead of every sealed segment resetting to fully-live.
func (o *Orchestrator) checkpointVlogLive() error {
	if o.deps.Vlog == nil {
		return nil
	}
	for id, live := range o.deps.Vlog.LiveBytesSnapshot() {
		if err := o.deps.Manifest.Append(manifest.Op{Kind: manifest.OpVlogCheckpoint, SSTID: id, Offset: live}); err != nil {
			return err
		}
	}
	return nil
}

// checkpointIfNeeded rewrites the manifest into a compacted snapshot —
// one Flush op per currently live SSTable plus the latest Save and
// per-segment vlog checkpoints — once it has accumulated enough ops to
// warrant it, bounding the manifest's size instead of letting it grow
// for the engine's entire lifetime.
func (o *Orchestrator) checkpointIfNeeded() error {
	if !o.deps.Manifest.NeedsRewrite() {
		return nil
	}

	var ops []manifest.Op
	for level := 0; level < levels.NumLevels; level++ {
		for _, f := range o.deps.Levels.Files(level) {
			ops = append(ops, manifest.Op{Kind: manifest.OpFlush, Level: level, SSTID: f.ID})
		}
	}

	o.saveMu.Lock()
	walID, offset := o.saveWalID, o.saveOffset
	o.saveMu.Unlock()
	ops = append(ops, manifest.Op{Kind: manifest.OpSave, WalID: walID, Offset: offset})

	if o.deps.Vlog != nil {
		for id, live := range o.deps.Vlog.LiveBytesSnapshot() {
			ops = append(ops, manifest.Op{Kind: manifest.OpVlogCheckpoint, SSTID: id, Offset: live})
		}
	}

	return o.deps.Manifest.Rewrite(ops)
}

func (o *Orchestrator) flushOne(mt *memtable.MemTable) error {
	rows := mt.Freeze()
	walID, offset := mt.SavePoint()

	if len(rows) != 0 {
		id := o.deps.NextID()
		path := alloc.IDPath(filepath.Join(o.deps.Root, "sst"), id)
		if err := ensureParentDir(path); err != nil {
			return err
		}

		w, err := sstable.NewWriter(path, 0, o.deps.Order, len(rows))
		if err != nil {
			return err
		}
		sink := merge.NewSSTableSink(func() (*sstable.Writer, error) { return w, nil }, 0)
		src := merge.NewMemtableSource(rows)

		if err := merge.Run([]merge.Source{src}, sink, merge.Options{Order: o.deps.Order}); err != nil {
			return err
		}

		for _, meta := range sink.Outputs() {
			reader, err := sstable.Open(meta.Path, o.deps.Order)
			if err != nil {
				return err
			}
			o.deps.Levels.Add(0, &levels.File{Reader: reader, ID: id, FileSize: meta.FileSize})
			if err := o.deps.Manifest.Append(manifest.Op{Kind: manifest.OpFlush, Level: 0, SSTID: id}); err != nil {
				return err
			}
		}
	}

	// A Save marker must follow every flush attempt, even one that found
	// nothing to write, so recovery's WAL replay window always starts
	// from this memtable's position forward rather than from scratch.
	if err := o.appendSave(walID, offset); err != nil {
		return err
	}
	if err := o.checkpointIfNeeded(); err != nil {
		return err
	}
	if o.deps.RotateWAL != nil {
		if err := o.deps.RotateWAL(walID); err != nil {
			return err
		}
	}

	o.deps.Pipeline.Retire(mt)
	return nil
}

func (o *Orchestrator) compactLoop() error {
	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-o.compactSig:
			for {
				level := o.deps.Levels.PickVictim()
				if level < 0 {
					break
				}
				if err := o.compactOnce(level); err != nil {
					return err
				}
			}
		}
	}
}

// compactOnce merges level's files (or, for L0, all its overlapping
// files) with the overlapping files at level+1, writing the result to
// level+1 and retiring the inputs.
func (o *Orchestrator) compactOnce(level int) error {
	target := level + 1
	srcFiles := o.deps.Levels.Files(level)
	if len(srcFiles) == 0 {
		return nil
	}

	lo, hi := overlapBounds(srcFiles, o.deps.Order)
	targetFiles := o.deps.Levels.Overlapping(target, lo, hi)

	sources := make([]merge.Source, 0, len(srcFiles)+len(targetFiles))
	for _, f := range srcFiles {
		sources = append(sources, merge.NewSSTableSource(f.Reader))
	}
	for _, f := range targetFiles {
		sources = append(sources, merge.NewSSTableSource(f.Reader))
	}

	bottomLevel := target == levels.NumLevels-1

	var newIDs []uint64
	newWriter := func() (*sstable.Writer, error) {
		id := o.deps.NextID()
		newIDs = append(newIDs, id)
		path := alloc.IDPath(filepath.Join(o.deps.Root, "sst"), id)
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		return sstable.NewWriter(path, target, o.deps.Order, 4096)
	}
	sink := merge.NewSSTableSink(newWriter, TargetFileSize)

	discard := func(row merge.Row) {
		if o.deps.Vlog == nil {
			return
		}
		inline, pos, _ := kv.DecodeValue(row.Value)
		if !inline {
			o.deps.Vlog.Discard(pos)
		}
	}

	if err := merge.Run(sources, sink, merge.Options{Order: o.deps.Order, BottomLevel: bottomLevel, Discard: discard}); err != nil {
		return err
	}

	var oldIDs []uint64
	for _, f := range srcFiles {
		oldIDs = append(oldIDs, f.ID)
		o.deps.Levels.Remove(level, f)
		f.Reader.Close()
	}
	for _, f := range targetFiles {
		oldIDs = append(oldIDs, f.ID)
		o.deps.Levels.Remove(target, f)
		f.Reader.Close()
	}

	for i, meta := range sink.Outputs() {
		reader, err := sstable.Open(meta.Path, o.deps.Order)
		if err != nil {
			return err
		}
		o.deps.Levels.Add(target, &levels.File{Reader: reader, ID: newIDs[i], FileSize: meta.FileSize})
	}

	if err := o.deps.Manifest.Append(manifest.Op{
		Kind:     manifest.OpCompact,
		Level:    target,
		OldLevel: level,
		OldIDs:   oldIDs,
		NewIDs:   newIDs,
	}); err != nil {
		return err
	}

	// Compaction is the other place discard accounting changes (via the
	// discard callback above), so checkpoint it here too.
	if err := o.checkpointVlogLive(); err != nil {
		return err
	}
	return o.checkpointIfNeeded()
}

func overlapBounds(files []*levels.File, order kv.Order) (lo, hi []byte) {
	for _, f := range files {
		min := f.Reader.MinKey()
		max := f.Reader.MaxKey()
		if lo == nil || order.Less(min, lo) {
			lo = min
		}
		if hi == nil || order.Less(hi, max) {
			hi = max
		}
	}
	return lo, hi
}

func (o *Orchestrator) vlogGCLoop() error {
	ticker := time.NewTicker(vlogGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.runVlogGC(); err != nil {
				return err
			}
		}
	}
}

// runVlogGC rewrites every sealed vlog segment whose live-byte ratio
// has dropped below GCLiveRatio, reclaiming the dead space the segment
// was still holding open.
func (o *Orchestrator) runVlogGC() error {
	if o.deps.Vlog == nil {
		return nil
	}
	var rewrote bool
	for _, id := range o.deps.Vlog.SealedIDs() {
		ratio, ok := o.deps.Vlog.LiveRatio(id)
		if !ok || ratio >= GCLiveRatio {
			continue
		}
		if o.deps.Log != nil {
			o.deps.Log.WithField("vlog_id", id).WithField("live_ratio", ratio).Info("vlog: rewriting to reclaim space")
		}
		if err := o.rewriteSegment(id); err != nil {
			return err
		}
		rewrote = true
	}
	if rewrote {
		return o.checkpointVlogLive()
	}
	return nil
}

// relocationEntry is one live LSM row whose value currently lives in a
// vlog segment targeted for GC.
type relocationEntry struct {
	Key     []byte
	Version uint64
	Pos     kv.Pos
}

// liveEntriesForVlog finds every entry the LSM tree still considers
// live whose value pointer targets vlogID. The vlog record format
// carries no key (spec: header(len,crc,ts) | payload), so GC cannot
// discover liveness from the segment file itself — it must instead
// merge every memtable and SSTable source the same way flush and
// compaction do, apply the same newest-version-wins dedup, and filter
// the survivors by Pos.VlogID.
func (o *Orchestrator) liveEntriesForVlog(vlogID uint64) ([]relocationEntry, error) {
	var sources []merge.Source

	memtables := append([]*memtable.MemTable{o.deps.Pipeline.Active()}, o.deps.Pipeline.FrozenList()...)
	for _, mt := range memtables {
		var rows []memtable.Row
		mt.Range(kv.Range{}, func(row memtable.Row) bool {
			rows = append(rows, row)
			return true
		})
		sources = append(sources, merge.NewMemtableSource(rows))
	}
	for level := 0; level < levels.NumLevels; level++ {
		for _, f := range o.deps.Levels.Files(level) {
			sources = append(sources, merge.NewSSTableSource(f.Reader))
		}
	}

	var out []relocationEntry
	sink := gcCollectSink{fn: func(row merge.Row) {
		inline, pos, _ := kv.DecodeValue(row.Value)
		if inline || pos.IsTombstone() || pos.VlogID != vlogID {
			return
		}
		out = append(out, relocationEntry{Key: row.Key, Version: row.Version, Pos: pos})
	}}
	if err := merge.Run(sources, sink, merge.Options{Order: o.deps.Order}); err != nil {
		return nil, err
	}
	return out, nil
}

// gcCollectSink adapts a callback to merge.Sink for the GC live-entry
// scan, which never produces SSTable output.
type gcCollectSink struct {
	fn func(merge.Row)
}

func (s gcCollectSink) Add(row merge.Row) error { s.fn(row); return nil }
func (s gcCollectSink) ShouldSplit() bool       { return false }
func (s gcCollectSink) Rotate() error           { return nil }
func (s gcCollectSink) Finish() error           { return nil }

// rewriteSegment relocates every still-live entry in vlogID into a
// fresh vlog position and deletes the drained segment, the actual GC
// rewrite runVlogGC only used to flag as a candidate before.
func (o *Orchestrator) rewriteSegment(vlogID uint64) error {
	entries, err := o.liveEntriesForVlog(vlogID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		value, err := o.deps.Vlog.Read(e.Pos)
		if err != nil {
			return err
		}
		newPos, err := o.deps.Vlog.Append(value)
		if err != nil {
			return err
		}
		if err := o.deps.Relocate(e.Key, e.Version, e.Pos, newPos); err != nil {
			return err
		}
		o.deps.Vlog.Discard(e.Pos)
	}
	return o.deps.Vlog.Remove(vlogID)
}
