package history

import (
	"time"

	"github.com/stacknote/stacknote/internal/doctree"
)

// Snapshot is a full clone of the tree tagged with the sequence number it
// was taken at. Recovery restores to the snapshot point without replaying
// later entries; a stale consistent tree beats a replay that can fail
// halfway.
type Snapshot struct {
	Seq     uint64        `json:"seq"`
	TakenAt time.Time     `json:"takenAt"`
	Tree    *doctree.Tree `json:"tree"`
}

type snapshotSet struct {
	snaps []Snapshot
	max   int
}

func newSnapshotSet(max int) *snapshotSet {
	if max <= 0 {
		max = defaultMaxSnapshots
	}
	return &snapshotSet{snaps: []Snapshot{}, max: max}
}

func (s *snapshotSet) take(seq uint64, tree *doctree.Tree) {
	s.snaps = append(s.snaps, Snapshot{Seq: seq, TakenAt: time.Now().UTC(), Tree: tree.Clone()})
	if len(s.snaps) > s.max {
		s.snaps = append([]Snapshot{}, s.snaps[len(s.snaps)-s.max:]...)
	}
}

// nearest returns the most recent snapshot taken at or before target.
func (s *snapshotSet) nearest(target uint64) (Snapshot, bool) {
	for i := len(s.snaps) - 1; i >= 0; i-- {
		if s.snaps[i].Seq <= target {
			return s.snaps[i], true
		}
	}
	return Snapshot{}, false
}

func (s *snapshotSet) list() []Snapshot {
	return append([]Snapshot{}, s.snaps...)
}

func (s *snapshotSet) replace(snaps []Snapshot) {
	s.snaps = append([]Snapshot{}, snaps...)
	if len(s.snaps) > s.max {
		s.snaps = append([]Snapshot{}, s.snaps[len(s.snaps)-s.max:]...)
	}
}
