package synchub

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stacknote/stacknote/internal/doctree"
	"github.com/stacknote/stacknote/internal/history"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func bridgeTestTree(t *testing.T) *doctree.Tree {
	t.Helper()
	g := doctree.NewGroup("g1", "inbox")
	g.Items["a"] = &doctree.Item{ID: "a", Type: "task", Properties: map[string]any{"text": "alpha"}}
	g.RootIDs = []string{"a"}
	return &doctree.Tree{Documents: []*doctree.Document{
		{ID: "d1", Groups: []*doctree.Group{g}},
	}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBridgeEndToEnd(t *testing.T) {
	_, url := startHub(t, HubOptions{Logger: quietLogger()})
	ctx := context.Background()

	engineB := history.NewEngine(bridgeTestTree(t), history.Options{Logger: quietLogger()})
	bridgeB, err := NewBridge(BridgeOptions{
		URL:      url,
		FileName: "notes.json",
		OnRemote: func(op history.Operation) {
			if _, err := engineB.ApplyRemote(op); err != nil {
				t.Errorf("apply remote: %v", err)
			}
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	bridgeB.Start(ctx)
	t.Cleanup(bridgeB.Close)

	bridgeA, err := NewBridge(BridgeOptions{URL: url, FileName: "notes.json", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	engineA := history.NewEngine(bridgeTestTree(t), history.Options{
		Broadcaster: bridgeA,
		Logger:      quietLogger(),
	})
	bridgeA.Start(ctx)
	t.Cleanup(bridgeA.Close)

	waitFor(t, 5*time.Second, func() bool { return bridgeA.ClientID() != "" && bridgeB.ClientID() != "" })

	if _, err := engineA.Apply(history.NewSetProperty("a", "text", "alpha edited")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		item, _, ok := engineB.Tree().FindItem("a")
		return ok && item.Properties["text"] == "alpha edited"
	})

	// The edit is on B's undo stack as a remote entry and was not echoed
	// back through B's broadcaster.
	if engineB.UndoDepth() != 1 {
		t.Errorf("engine B undo depth = %d, want 1", engineB.UndoDepth())
	}
	waitFor(t, 5*time.Second, func() bool { return bridgeA.PendingCount() == 0 })
}

func TestBridgeQueuesWhileOffline(t *testing.T) {
	queuePath := filepath.Join(t.TempDir(), "pending.json")

	offline, err := NewBridge(BridgeOptions{
		URL:       "ws://127.0.0.1:1/ws",
		FileName:  "notes.json",
		QueuePath: queuePath,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	op := history.NewSetProperty("a", "text", "queued offline")
	if err := offline.SendOperation(op); err != nil {
		t.Fatal(err)
	}
	if offline.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", offline.PendingCount())
	}
	// Closing flushes the queue to disk.
	offline.Close()

	// A new bridge over the same queue file inherits the backlog and
	// delivers it once a hub is reachable.
	_, url := startHub(t, HubOptions{Logger: quietLogger()})
	reborn, err := NewBridge(BridgeOptions{
		URL:       url,
		FileName:  "notes.json",
		QueuePath: queuePath,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reborn.PendingCount() != 1 {
		t.Fatalf("reloaded pending = %d, want 1", reborn.PendingCount())
	}
	reborn.Start(context.Background())
	t.Cleanup(reborn.Close)

	waitFor(t, 5*time.Second, func() bool { return reborn.PendingCount() == 0 })

	// The delivered operation is in the hub's log for late joiners.
	late, _ := dialHub(t, url)
	resp := join(t, late, "notes.json")
	if len(resp.Operations) != 1 || resp.Operations[0].Operation.ID != op.ID {
		t.Fatalf("hub log = %+v, want the queued operation", resp.Operations)
	}
}

func TestBridgeQueueCapacity(t *testing.T) {
	b, err := NewBridge(BridgeOptions{
		URL:           "ws://127.0.0.1:1/ws",
		FileName:      "notes.json",
		QueueCapacity: 2,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := b.SendOperation(history.NewSetProperty("a", "priority", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := b.SendOperation(history.NewSetProperty("a", "priority", 9)); err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestBridgeFiltersOwnOperationsAfterReconnect(t *testing.T) {
	var remote []history.Operation
	bridge, err := NewBridge(BridgeOptions{
		URL:      "ws://127.0.0.1:1/v1/sync",
		FileName: "notes.json",
		OnRemote: func(op history.Operation) { remote = append(remote, op) },
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	own := history.NewSetProperty("a", "text", "mine")
	if err := bridge.SendOperation(own); err != nil {
		t.Fatal(err)
	}

	// A reconnect hands the bridge a fresh identity while the catch-up
	// log still attributes its earlier operation to the old one.
	bridge.setClientID("client-new")
	theirs := history.NewSetProperty("a", "text", "theirs")
	bridge.handle(Message{Type: TypeOperationsResponse, Operations: []SeqOperation{
		{Seq: 1, ClientID: "client-old", Operation: own},
		{Seq: 2, ClientID: "client-old", Operation: theirs},
	}})

	if len(remote) != 1 || remote[0].ID != theirs.ID {
		t.Fatalf("remote = %+v, want only the operation from the other client", remote)
	}

	// The same filter applies to a live relay of the stale entry.
	bridge.handle(Message{Type: TypeOperation, ClientID: "client-old", Seq: 3, Operation: &own})
	if len(remote) != 1 {
		t.Fatalf("remote grew to %d entries after a replayed live relay", len(remote))
	}
}
