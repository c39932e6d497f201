package history

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stacknote/stacknote/internal/doctree"
)

type fakeBroadcaster struct {
	mu  sync.Mutex
	ops []Operation
	err error
}

func (f *fakeBroadcaster) SendOperation(op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeBroadcaster) sent() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Operation{}, f.ops...)
}

type fakePersistence struct {
	mu     sync.Mutex
	saves  int
	latest *Buffer
}

func (f *fakePersistence) SaveBuffer(key string, buf *Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.latest = buf
	return nil
}

func (f *fakePersistence) LoadBuffer(key string) (*Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return NewBuffer(), nil
	}
	return f.latest, nil
}

func (f *fakePersistence) stats() (int, *Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves, f.latest
}

func TestEngineUndoRedoSequence(t *testing.T) {
	tree := testTree(t)
	baseline := tree.Clone()
	e := NewEngine(tree, Options{})

	created, err := e.Apply(NewCreate("g1", nil, 2, "task", map[string]any{"text": "charlie"}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Apply(NewSetProperty(created.ItemID, "text", "charlie edited")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Apply(NewDelete("a")); err != nil {
		t.Fatal(err)
	}
	final := e.Tree().Clone()

	for i := 0; i < 3; i++ {
		if _, err := e.Undo(); err != nil {
			t.Fatalf("undo %d: %v", i+1, err)
		}
	}
	if !e.Tree().Equal(baseline) {
		t.Error("three undos did not restore the baseline tree")
	}
	if _, err := e.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("fourth undo: err = %v, want ErrNothingToUndo", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := e.Redo(); err != nil {
			t.Fatalf("redo %d: %v", i+1, err)
		}
	}
	if !e.Tree().Equal(final) {
		t.Error("three redos did not restore the final tree")
	}
	if _, err := e.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Errorf("fourth redo: err = %v, want ErrNothingToRedo", err)
	}
}

func TestEngineRecordClearsRedo(t *testing.T) {
	e := NewEngine(testTree(t), Options{})

	if _, err := e.Apply(NewSetProperty("b", "text", "one")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if e.RedoDepth() != 1 {
		t.Fatalf("redo depth = %d, want 1", e.RedoDepth())
	}
	if _, err := e.Apply(NewSetProperty("b", "text", "two")); err != nil {
		t.Fatal(err)
	}
	if e.RedoDepth() != 0 {
		t.Errorf("redo depth after new edit = %d, want 0", e.RedoDepth())
	}
}

func TestEngineEvictsOldestEntries(t *testing.T) {
	e := NewEngine(testTree(t), Options{MaxStackSize: 3})

	for i := 0; i < 5; i++ {
		if _, err := e.Apply(NewSetProperty("b", "priority", i)); err != nil {
			t.Fatal(err)
		}
	}
	if e.UndoDepth() != 3 {
		t.Fatalf("undo depth = %d, want 3", e.UndoDepth())
	}
	buf := e.Buffer()
	if got := buf.UndoStack[0].Seq; got != 3 {
		t.Errorf("oldest surviving seq = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Undo(); err != nil {
			t.Fatalf("undo %d: %v", i+1, err)
		}
	}
	if _, err := e.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("err = %v, want ErrNothingToUndo past the eviction horizon", err)
	}
}

func TestEngineSnapshotCadence(t *testing.T) {
	e := NewEngine(testTree(t), Options{SnapshotInterval: 10})

	for i := 0; i < 23; i++ {
		if _, err := e.Apply(NewSetProperty("b", "priority", i)); err != nil {
			t.Fatal(err)
		}
	}
	snaps := e.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Seq != 10 || snaps[1].Seq != 20 {
		t.Errorf("snapshot seqs = %d, %d, want 10, 20", snaps[0].Seq, snaps[1].Seq)
	}
}

func TestEngineSnapshotRingBounded(t *testing.T) {
	e := NewEngine(testTree(t), Options{SnapshotInterval: 1, MaxSnapshots: 5})

	for i := 0; i < 8; i++ {
		if _, err := e.Apply(NewSetProperty("b", "priority", i)); err != nil {
			t.Fatal(err)
		}
	}
	snaps := e.Snapshots()
	if len(snaps) != 5 {
		t.Fatalf("got %d snapshots, want 5", len(snaps))
	}
	if snaps[0].Seq != 4 || snaps[4].Seq != 8 {
		t.Errorf("snapshot range = %d..%d, want 4..8", snaps[0].Seq, snaps[4].Seq)
	}
}

func TestEngineRemoteNotRebroadcast(t *testing.T) {
	b := &fakeBroadcaster{}
	e := NewEngine(testTree(t), Options{Broadcaster: b})

	if _, err := e.ApplyRemote(NewSetProperty("b", "text", "from peer")); err != nil {
		t.Fatal(err)
	}
	if got := len(b.sent()); got != 0 {
		t.Fatalf("remote operation was re-broadcast %d times", got)
	}

	if _, err := e.Apply(NewSetProperty("b", "text", "local")); err != nil {
		t.Fatal(err)
	}
	sent := b.sent()
	if len(sent) != 1 {
		t.Fatalf("local operation broadcast %d times, want 1", len(sent))
	}
	if sent[0].OldValue != "from peer" {
		t.Errorf("broadcast op not enriched: old value = %v", sent[0].OldValue)
	}

	// Remote edits still land on the undo stack.
	if e.UndoDepth() != 2 {
		t.Errorf("undo depth = %d, want 2", e.UndoDepth())
	}
}

func TestEngineBroadcastFailureDoesNotBlockEdit(t *testing.T) {
	b := &fakeBroadcaster{err: errors.New("socket closed")}
	e := NewEngine(testTree(t), Options{Broadcaster: b})

	if _, err := e.Apply(NewSetProperty("b", "text", "still applies")); err != nil {
		t.Fatalf("broadcast failure leaked into apply: %v", err)
	}
	item, _, _ := e.Tree().FindItem("b")
	if item.Properties["text"] != "still applies" {
		t.Error("edit lost when broadcast failed")
	}
}

func TestEngineUndoFailureRecoversFromSnapshot(t *testing.T) {
	e := NewEngine(testTree(t), Options{SnapshotInterval: 1})

	op, err := e.Apply(NewCreate("g1", nil, 0, "task", map[string]any{"text": "charlie"}))
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the live tree behind the engine's back: drop the created
	// item so the recorded create can no longer be inverted.
	g, _ := e.Tree().Group("g1")
	delete(g.Items, op.ItemID)
	g.RootIDs = g.RootIDs[1:]

	if _, err := e.Undo(); err == nil {
		t.Fatal("undo against a corrupted tree should fail")
	}
	// The snapshot taken at seq 1 still has the item.
	if _, _, ok := e.Tree().FindItem(op.ItemID); !ok {
		t.Error("tree was not restored from snapshot after failed undo")
	}
	if e.UndoDepth() != 1 {
		t.Errorf("failed undo lost the entry: depth = %d, want 1", e.UndoDepth())
	}
}

func TestEngineUndoFailureWithoutSnapshot(t *testing.T) {
	e := NewEngine(testTree(t), Options{SnapshotInterval: 100})

	op, err := e.Apply(NewCreate("g1", nil, 0, "task", map[string]any{"text": "charlie"}))
	if err != nil {
		t.Fatal(err)
	}
	g, _ := e.Tree().Group("g1")
	delete(g.Items, op.ItemID)
	g.RootIDs = g.RootIDs[1:]

	_, err = e.Undo()
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot joined in", err)
	}
}

func TestEngineDebouncedSave(t *testing.T) {
	p := &fakePersistence{}
	e := NewEngine(testTree(t), Options{
		Persistence:  p,
		BufferKey:    "doc.json",
		SaveDebounce: 20 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		if _, err := e.Apply(NewSetProperty("b", "priority", i)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(200 * time.Millisecond)

	saves, latest := p.stats()
	if saves != 1 {
		t.Errorf("burst of 3 edits produced %d saves, want 1", saves)
	}
	if latest == nil || latest.LastSequence != 3 {
		t.Errorf("saved buffer = %+v, want last sequence 3", latest)
	}
}

func TestEngineCloseFlushesPendingSave(t *testing.T) {
	p := &fakePersistence{}
	e := NewEngine(testTree(t), Options{
		Persistence:  p,
		BufferKey:    "doc.json",
		SaveDebounce: time.Hour,
	})

	if _, err := e.Apply(NewSetProperty("b", "text", "unsaved")); err != nil {
		t.Fatal(err)
	}
	e.Close()

	saves, latest := p.stats()
	if saves != 1 {
		t.Fatalf("saves = %d, want 1 after Close", saves)
	}
	if latest.LastSequence != 1 {
		t.Errorf("flushed buffer last sequence = %d, want 1", latest.LastSequence)
	}
}

func TestEngineSignalsFireOnMutation(t *testing.T) {
	renders := 0
	var dataSaves atomic.Int64
	e := NewEngine(testTree(t), Options{
		DataSaveDebounce:  20 * time.Millisecond,
		RenderRequested:   func() { renders++ },
		DataSaveRequested: func() { dataSaves.Add(1) },
	})

	if _, err := e.Apply(NewSetProperty("b", "text", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Redo(); err != nil {
		t.Fatal(err)
	}
	if renders != 3 {
		t.Errorf("renders = %d, want 3 (one per mutation)", renders)
	}

	// The data-save request is debounced: the burst collapses to one call.
	time.Sleep(200 * time.Millisecond)
	if got := dataSaves.Load(); got != 1 {
		t.Errorf("dataSaves = %d, want 1 after the burst settles", got)
	}

	if _, err := e.Apply(NewSetProperty("b", "text", "y")); err != nil {
		t.Fatal(err)
	}
	e.Close()
	if got := dataSaves.Load(); got != 2 {
		t.Errorf("dataSaves = %d, want 2 after close flushes the pending request", got)
	}
}

func TestEngineBufferRoundTripThroughJSON(t *testing.T) {
	tree := testTree(t)
	baseline := tree.Clone()
	e := NewEngine(tree, Options{})

	if _, err := e.Apply(NewDelete("a")); err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(e.Buffer())
	if err != nil {
		t.Fatal(err)
	}
	var buf Buffer
	if err := json.Unmarshal(raw, &buf); err != nil {
		t.Fatal(err)
	}

	restored := NewEngine(e.Tree().Clone(), Options{})
	restored.LoadBuffer(&buf)
	if restored.UndoDepth() != 1 {
		t.Fatalf("restored undo depth = %d, want 1", restored.UndoDepth())
	}
	if _, err := restored.Undo(); err != nil {
		t.Fatalf("undo after reload: %v", err)
	}
	if !restored.Tree().Equal(baseline) {
		t.Error("undo of a reloaded delete did not restore the baseline")
	}
}

func TestEngineLegacyChangeParticipatesInUndo(t *testing.T) {
	tree := testTree(t)
	baseline := tree.Clone()
	e := NewEngine(tree, Options{})

	ch := Change{
		Kind: ChangeSet,
		Path: []PathStep{
			KeyStep("documents"), IndexStep(0),
			KeyStep("groups"), IndexStep(0),
			KeyStep("items"), IndexStep(1),
			KeyStep("text"),
		},
		Value:    "bravo edited",
		OldValue: "bravo",
	}
	if err := e.ApplyLegacyChange(ch); err != nil {
		t.Fatal(err)
	}
	item, _, _ := e.Tree().FindItem("b")
	if item.Properties["text"] != "bravo edited" {
		t.Fatalf("text = %v, want bravo edited", item.Properties["text"])
	}

	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if !e.Tree().Equal(baseline) {
		t.Error("undoing a legacy change did not restore the baseline")
	}
	if _, err := e.Redo(); err != nil {
		t.Fatal(err)
	}
	item, _, _ = e.Tree().FindItem("b")
	if item.Properties["text"] != "bravo edited" {
		t.Error("redo of a legacy change did not re-apply it")
	}
}

func TestEngineUndoChainRestoresEachStep(t *testing.T) {
	tree := &doctree.Tree{Documents: []*doctree.Document{
		{ID: "d1", Name: "doc", Groups: []*doctree.Group{doctree.NewGroup("g1", "inbox")}},
	}}
	e := NewEngine(tree, Options{})

	createA, err := e.Apply(NewCreate("g1", nil, 0, "task", map[string]any{"text": "A"}))
	if err != nil {
		t.Fatal(err)
	}
	aID := createA.ItemID
	createB, err := e.Apply(NewCreate("g1", strptr(aID), 0, "task", map[string]any{"text": "B"}))
	if err != nil {
		t.Fatal(err)
	}
	bID := createB.ItemID
	if _, err := e.Apply(NewSetProperty(aID, "text", "Hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Apply(NewDelete(bID)); err != nil {
		t.Fatal(err)
	}

	a, _, ok := e.Tree().FindItem(aID)
	if !ok {
		t.Fatalf("item %s missing after edits", aID)
	}
	if len(a.ChildIDs) != 0 {
		t.Fatalf("childIds = %v, want empty after delete", a.ChildIDs)
	}

	// First undo resurrects B under A.
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	a, _, _ = e.Tree().FindItem(aID)
	if len(a.ChildIDs) != 1 || a.ChildIDs[0] != bID {
		t.Fatalf("childIds = %v, want [%s]", a.ChildIDs, bID)
	}
	b, _, ok := e.Tree().FindItem(bID)
	if !ok || b.ParentID == nil || *b.ParentID != aID {
		t.Fatalf("restored child = %+v", b)
	}

	// Second undo reverts A's text.
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	a, _, _ = e.Tree().FindItem(aID)
	if a.Properties["text"] != "A" {
		t.Fatalf("text = %v, want A", a.Properties["text"])
	}

	// Remaining undos unwind the creates, then the stack runs dry.
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := e.Tree().FindItem(aID); ok {
		t.Error("undo chain left the created root behind")
	}
	if _, err := e.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("err = %v, want ErrNothingToUndo", err)
	}
}

func TestEngineCreateIntoDecodedEmptyGroup(t *testing.T) {
	var tree doctree.Tree
	raw := `{"documents":[{"id":"d1","groups":[{"id":"g1","items":null,"rootIds":[]}]}]}`
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		t.Fatal(err)
	}
	if err := tree.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	e := NewEngine(&tree, Options{})

	applied, err := e.Apply(NewCreate("g1", nil, 0, "task", map[string]any{"text": "first"}))
	if err != nil {
		t.Fatalf("create into empty decoded group failed: %v", err)
	}
	item, _, ok := e.Tree().FindItem(applied.ItemID)
	if !ok {
		t.Fatal("created item missing")
	}
	if item.Properties["text"] != "first" {
		t.Fatalf("text = %v, want first", item.Properties["text"])
	}
}
