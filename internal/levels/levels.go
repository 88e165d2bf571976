// Package levels tracks the SSTables assigned to each level of the
// tree and decides which level is most in need of compaction,
// generalized from a fixed five-level manager into a seven-level one
// with geometric target sizing and score-based victim selection.
package levels

import (
	"sort"
	"sync"

	"github.com/kvengine/jdb/internal/kv"
	"github.com/kvengine/jdb/internal/sstable"
)

// NumLevels is the fixed tree depth, L0 through L6.
const NumLevels = 7

// BaseSize is the target size of L1; each deeper level's target is
// BaseSize * Scale^(level-1).
const BaseSize = 256 * 1024 * 1024

// Scale is the per-level size multiplier.
const Scale = 8

// MaxL0Files triggers L0 compaction by file count rather than size,
// since L0 files can overlap and accumulate quickly under write bursts.
const MaxL0Files = 4

// File wraps an open SSTable reader with the bookkeeping the level
// manager needs beyond what the reader itself tracks.
type File struct {
	Reader   *sstable.Reader
	ID       uint64
	FileSize int64
}

// Manager owns the per-level file lists.
type Manager struct {
	mu    sync.RWMutex
	order kv.Order
	files [NumLevels][]*File
}

// New creates an empty level manager.
func New(order kv.Order) *Manager {
	return &Manager{order: order}
}

// TargetSize returns the compaction trigger size for level (1-indexed
// levels only; L0 is triggered by file count via MaxL0Files).
func TargetSize(level int) int64 {
	if level <= 0 {
		return 0
	}
	size := int64(BaseSize)
	for i := 1; i < level; i++ {
		size *= Scale
	}
	return size
}

// Add registers a newly built file at level, keeping L1+ sorted by
// MinKey so the non-overlap invariant is easy to check and range scans
// can binary-search.
func (m *Manager) Add(level int, f *File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[level] = append(m.files[level], f)
	if level > 0 {
		sort.Slice(m.files[level], func(i, j int) bool {
			return m.order.Less(m.files[level][i].Reader.MinKey(), m.files[level][j].Reader.MinKey())
		})
	}
}

// Remove drops f from level, used once its contents have been merged
// into the next level down.
func (m *Manager) Remove(level int, f *File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.files[level]
	for i, x := range fs {
		if x.ID == f.ID {
			m.files[level] = append(fs[:i], fs[i+1:]...)
			return
		}
	}
}

// Files returns a snapshot of level's file list.
func (m *Manager) Files(level int) []*File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*File, len(m.files[level]))
	copy(out, m.files[level])
	return out
}

// LevelSize sums the on-disk size of every file at level.
func (m *Manager) LevelSize(level int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, f := range m.files[level] {
		total += f.FileSize
	}
	return total
}

// Overlapping returns the files at level whose key range intersects
// [lo, hi] (nil bound = unbounded on that side).
func (m *Manager) Overlapping(level int, lo, hi []byte) []*File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*File
	for _, f := range m.files[level] {
		if f.Reader.Overlaps(lo, hi) {
			out = append(out, f)
		}
	}
	return out
}

// Score returns level's compaction urgency: for L0, the file count over
// MaxL0Files; for L1+, the level's total size over its target size. A
// score >= 1.0 means the level needs compaction.
func (m *Manager) Score(level int) float64 {
	m.mu.RLock()
	n := len(m.files[level])
	m.mu.RUnlock()

	if level == 0 {
		return float64(n) / float64(MaxL0Files)
	}
	target := TargetSize(level)
	if target == 0 {
		return 0
	}
	return float64(m.LevelSize(level)) / float64(target)
}

// PickVictim returns the level with the highest compaction score
// across L0..L5 (L6 has no next level to merge into), or -1 if no
// level's score reaches 1.0. Ties prefer the shallower level, since
// draining L0 unblocks write stalls sooner than draining a deep level.
func (m *Manager) PickVictim() int {
	best := -1
	bestScore := 0.0
	for level := 0; level < NumLevels-1; level++ {
		s := m.Score(level)
		if s >= 1.0 && s > bestScore {
			best = level
			bestScore = s
		}
	}
	return best
}

// CloseAll closes every open SSTable reader across all levels.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for level := range m.files {
		for _, f := range m.files[level] {
			if err := f.Reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CheckNonOverlapping verifies that level's files (L1+) have disjoint
// key ranges, the invariant compaction must preserve. Intended for use
// in tests and assertions, not the hot path.
func (m *Manager) CheckNonOverlapping(level int) bool {
	if level == 0 {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs := m.files[level]
	for i := 1; i < len(fs); i++ {
		if !m.order.Less(fs[i-1].Reader.MaxKey(), fs[i].Reader.MinKey()) {
			return false
		}
	}
	return true
}
