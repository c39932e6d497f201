package history

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stacknote/stacknote/internal/doctree"
)

const (
	defaultMaxStackSize     = 100
	defaultSnapshotInterval = 10
	defaultMaxSnapshots     = 5
	defaultSaveDebounce     = 500 * time.Millisecond
)

// Persistence saves and loads history buffers. Saves are fire and forget:
// the engine logs failures and keeps editing.
type Persistence interface {
	SaveBuffer(key string, buf *Buffer) error
	LoadBuffer(key string) (*Buffer, error)
}

// Broadcaster forwards locally applied operations to other clients.
// Remote operations are never sent back through it.
type Broadcaster interface {
	SendOperation(op Operation) error
}

type Options struct {
	// MaxStackSize bounds the undo and redo stacks. Zero means 100.
	MaxStackSize int
	// SnapshotInterval takes a snapshot every N recorded entries. Zero means 10.
	SnapshotInterval int
	// MaxSnapshots bounds the snapshot ring. Zero means 5.
	MaxSnapshots int
	// BufferKey names this document's buffer in the persistence backend.
	BufferKey string
	// SaveDebounce delays buffer saves so bursts collapse into one write.
	// Zero means 500ms.
	SaveDebounce time.Duration
	// DataSaveDebounce delays data-save requests, independently of the
	// buffer save debounce. Zero means 500ms.
	DataSaveDebounce time.Duration

	Persistence Persistence
	Broadcaster Broadcaster

	// RenderRequested is invoked after every mutation so a UI can repaint.
	RenderRequested func()
	// DataSaveRequested is invoked after every mutation so the document
	// itself, as opposed to the history buffer, can be persisted.
	DataSaveRequested func()

	Logger *log.Logger
}

// Engine applies invertible operations to a tree and records them on a
// bounded undo stack. All mutations of the tree go through the engine.
type Engine struct {
	mu sync.Mutex

	tree  *doctree.Tree
	undo  *stack
	redo  *stack
	snaps *snapshotSet
	seq   uint64

	// applying suppresses recording while the engine itself mutates the
	// tree during undo and redo.
	applying bool

	interval  int
	bufferKey string

	persistence Persistence
	broadcaster Broadcaster

	renderRequested func()

	saver     *debouncer
	dataSaver *debouncer
	logger    *log.Logger
}

func NewEngine(tree *doctree.Tree, opts Options) *Engine {
	if tree == nil {
		tree = doctree.NewTree()
	}
	tree.Normalize()
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	debounce := opts.SaveDebounce
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	dataDebounce := opts.DataSaveDebounce
	if dataDebounce <= 0 {
		dataDebounce = defaultSaveDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		tree:            tree,
		undo:            newStack(opts.MaxStackSize),
		redo:            newStack(opts.MaxStackSize),
		snaps:           newSnapshotSet(opts.MaxSnapshots),
		interval:        interval,
		bufferKey:       opts.BufferKey,
		persistence:     opts.Persistence,
		broadcaster:     opts.Broadcaster,
		renderRequested: opts.RenderRequested,
		logger:          logger,
	}
	e.saver = newDebouncer(debounce, e.persistBuffer)
	if opts.DataSaveRequested != nil {
		e.dataSaver = newDebouncer(dataDebounce, opts.DataSaveRequested)
	}
	return e
}

// Tree returns the live tree. The engine owns it; callers read it between
// mutations and never write to it directly.
func (e *Engine) Tree() *doctree.Tree {
	return e.tree
}

// Apply validates and applies a local operation, records the enriched form
// on the undo stack, and broadcasts it. The tree is untouched on error.
func (e *Engine) Apply(op Operation) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	enriched, err := Apply(e.tree, op)
	if err != nil {
		return Operation{}, err
	}
	e.record(NewOperationEntry(enriched, OriginLocal))
	if e.broadcaster != nil {
		if err := e.broadcaster.SendOperation(enriched); err != nil {
			e.logger.Printf("history: broadcast %s %s: %v", enriched.Kind, enriched.ID, err)
		}
	}
	e.afterMutation()
	return enriched, nil
}

// ApplyRemote applies an operation received from another client. It is
// recorded like a local edit so it participates in undo, but it is never
// re-broadcast.
func (e *Engine) ApplyRemote(op Operation) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	enriched, err := Apply(e.tree, op)
	if err != nil {
		return Operation{}, err
	}
	e.record(NewOperationEntry(enriched, OriginRemote))
	e.afterMutation()
	return enriched, nil
}

// ApplyLegacyChange applies a path-addressed change from a legacy client
// and records it. Changes cannot be expressed as operations, so they are
// never broadcast.
func (e *Engine) ApplyLegacyChange(ch Change) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ApplyChange(e.tree, ch); err != nil {
		return err
	}
	e.record(NewChangeEntry(ch, OriginLocal))
	e.afterMutation()
	return nil
}

// record assigns the next sequence number, pushes the entry, clears redo,
// and takes a periodic snapshot. Entries produced by undo and redo are not
// recorded.
func (e *Engine) record(entry Entry) {
	if e.applying {
		return
	}
	e.seq++
	entry.Seq = e.seq
	e.undo.push(entry)
	e.redo.clear()
	if e.interval > 0 && e.seq%uint64(e.interval) == 0 {
		e.snaps.take(e.seq, e.tree)
	}
}

// Undo pops the newest entry and applies its inverse. If the inverse fails
// the entry is pushed back and the tree is restored from the nearest
// snapshot at or before the current sequence.
func (e *Engine) Undo() (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.undo.pop()
	if !ok {
		return Entry{}, ErrNothingToUndo
	}

	e.applying = true
	err := e.revertEntry(entry)
	e.applying = false
	if err != nil {
		e.undo.push(entry)
		if rerr := e.recoverLocked(e.seq); rerr != nil {
			return Entry{}, errors.Join(err, rerr)
		}
		e.afterMutation()
		return Entry{}, fmt.Errorf("undo seq %d: %w", entry.Seq, err)
	}

	e.redo.push(entry)
	e.afterMutation()
	return entry, nil
}

// Redo re-applies the newest undone entry.
func (e *Engine) Redo() (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.redo.pop()
	if !ok {
		return Entry{}, ErrNothingToRedo
	}

	e.applying = true
	err := e.replayEntry(entry)
	e.applying = false
	if err != nil {
		e.redo.push(entry)
		return Entry{}, fmt.Errorf("redo seq %d: %w", entry.Seq, err)
	}

	e.undo.push(entry)
	e.afterMutation()
	return entry, nil
}

func (e *Engine) revertEntry(entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.Op != nil {
		inv, err := entry.Op.Invert()
		if err != nil {
			return err
		}
		_, err = Apply(e.tree, inv)
		return err
	}
	return RevertChange(e.tree, *entry.Change)
}

func (e *Engine) replayEntry(entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.Op != nil {
		_, err := Apply(e.tree, *entry.Op)
		return err
	}
	return ApplyChange(e.tree, *entry.Change)
}

// RecoverTo restores the tree from the nearest snapshot at or before seq.
// Entries recorded after the snapshot stay on the stacks; a consistent
// older tree beats replaying through whatever caused the failure.
func (e *Engine) RecoverTo(seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.recoverLocked(seq); err != nil {
		return err
	}
	e.afterMutation()
	return nil
}

func (e *Engine) recoverLocked(seq uint64) error {
	snap, ok := e.snaps.nearest(seq)
	if !ok {
		return fmt.Errorf("%w: no snapshot at or before seq %d", ErrNoSnapshot, seq)
	}
	e.tree = snap.Tree.Clone()
	e.logger.Printf("history: recovered tree from snapshot seq %d", snap.Seq)
	return nil
}

// Buffer copies the current history state into its persisted shape.
func (e *Engine) Buffer() *Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferLocked()
}

func (e *Engine) bufferLocked() *Buffer {
	return &Buffer{
		UndoStack:    e.undo.snapshot(),
		RedoStack:    e.redo.snapshot(),
		Snapshots:    e.snaps.list(),
		LastSequence: e.seq,
	}
}

// LoadBuffer replaces the history state with a previously saved buffer.
// The tree itself is loaded separately by the caller.
func (e *Engine) LoadBuffer(buf *Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf == nil {
		buf = NewBuffer()
	}
	e.undo.replace(buf.UndoStack)
	e.redo.replace(buf.RedoStack)
	e.snaps.replace(buf.Snapshots)
	e.seq = buf.LastSequence
}

func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snaps.list()
}

func (e *Engine) UndoDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo.len()
}

func (e *Engine) RedoDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redo.len()
}

// afterMutation fires the render signal and schedules the debounced
// buffer save and data-save request. Called with the lock held.
func (e *Engine) afterMutation() {
	if e.renderRequested != nil {
		e.renderRequested()
	}
	if e.dataSaver != nil {
		e.dataSaver.Trigger()
	}
	if e.persistence != nil {
		e.saver.Trigger()
	}
}

func (e *Engine) persistBuffer() {
	if e.persistence == nil {
		return
	}
	e.mu.Lock()
	buf := e.bufferLocked()
	key := e.bufferKey
	e.mu.Unlock()
	if err := e.persistence.SaveBuffer(key, buf); err != nil {
		e.logger.Printf("history: save buffer %q: %v", key, err)
	}
}

// Close flushes any pending debounced saves.
func (e *Engine) Close() {
	e.saver.Flush()
	if e.dataSaver != nil {
		e.dataSaver.Flush()
	}
}

// debouncer collapses a burst of triggers into one call after a quiet
// period. Flush runs a pending call immediately.
type debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	pending bool
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}

func (d *debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	run := d.pending
	d.pending = false
	d.mu.Unlock()
	if run {
		d.fn()
	}
}
