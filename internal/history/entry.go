package history

import (
	"fmt"
	"time"
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Entry is one recorded edit: either a semantic Operation or a legacy
// path-addressed Change, decided once at construction. Exactly one of Op
// and Change is set.
type Entry struct {
	Seq       uint64     `json:"seq"`
	Timestamp time.Time  `json:"timestamp"`
	Origin    Origin     `json:"origin"`
	Op        *Operation `json:"op,omitempty"`
	Change    *Change    `json:"change,omitempty"`
}

func NewOperationEntry(op Operation, origin Origin) Entry {
	return Entry{Timestamp: time.Now().UTC(), Origin: origin, Op: &op}
}

func NewChangeEntry(change Change, origin Origin) Entry {
	return Entry{Timestamp: time.Now().UTC(), Origin: origin, Change: &change}
}

func (e Entry) validate() error {
	if (e.Op == nil) == (e.Change == nil) {
		return fmt.Errorf("%w: entry must carry exactly one of operation or change", ErrInvalidOperation)
	}
	return nil
}

// Buffer is the persisted history state for one document, the shape the
// persistence bridge saves and loads.
type Buffer struct {
	UndoStack    []Entry    `json:"undoStack"`
	RedoStack    []Entry    `json:"redoStack"`
	Snapshots    []Snapshot `json:"snapshots"`
	LastSequence uint64     `json:"lastSequence"`
}

func NewBuffer() *Buffer {
	return &Buffer{UndoStack: []Entry{}, RedoStack: []Entry{}, Snapshots: []Snapshot{}}
}
