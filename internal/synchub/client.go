package synchub

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/stacknote/stacknote/internal/history"
)

var ErrQueueFull = errors.New("pending operation queue full")

type BridgeOptions struct {
	// URL is the hub's WebSocket endpoint.
	URL string
	// FileName names the document session to join.
	FileName string
	// QueuePath, when set, backs the pending queue with a file so
	// operations queued while offline survive a restart.
	QueuePath     string
	QueueCapacity int
	// OnRemote receives operations other clients applied. Called from the
	// bridge's read goroutine.
	OnRemote   func(history.Operation)
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *log.Logger
}

// Bridge connects a local history engine to a hub. It satisfies
// history.Broadcaster: local operations are queued and flushed to the hub,
// remote ones arrive through OnRemote. The bridge reconnects forever with
// jittered exponential backoff until Close.
type Bridge struct {
	opts    BridgeOptions
	pending *pendingQueue

	mu        sync.Mutex
	clientID  string
	lastSeq   uint64
	sentIDs   map[string]struct{}
	sentOrder []string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.URL == "" || opts.FileName == "" {
		return nil, errors.New("bridge needs a hub URL and a file name")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	pending, err := newPendingQueue(opts.QueuePath, opts.QueueCapacity)
	if err != nil {
		return nil, err
	}
	return &Bridge{opts: opts, pending: pending}, nil
}

// SendOperation queues a local operation for delivery. It never blocks on
// the network; a full queue is the only failure.
func (b *Bridge) SendOperation(op history.Operation) error {
	if !b.pending.tryEnqueue(op) {
		return ErrQueueFull
	}
	b.rememberSent(op.ID)
	return nil
}

// PendingCount reports operations queued but not yet delivered.
func (b *Bridge) PendingCount() int {
	return b.pending.depth()
}

// ClientID returns the hub-assigned identity, empty before the first
// successful connect.
func (b *Bridge) ClientID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clientID
}

func (b *Bridge) setClientID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientID = id
}

// Start begins connecting in the background. Close stops it.
func (b *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)
}

func (b *Bridge) Close() {
	defer b.pending.close()
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	backoff := b.opts.MinBackoff
	for {
		err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.opts.Logger.Printf("synchub: connection to %s lost: %v", b.opts.URL, err)
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > b.opts.MaxBackoff {
			backoff = b.opts.MaxBackoff
		}
	}
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, b.opts.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "reconnecting")

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	// The hub speaks first with our assigned identity.
	var hello Message
	helloCtx, helloCancel := context.WithTimeout(connCtx, 10*time.Second)
	err = wsjson.Read(helloCtx, conn, &hello)
	helloCancel()
	if err != nil {
		return err
	}
	if hello.Type != TypeConnected || hello.ClientID == "" {
		return errors.New("hub did not identify the connection")
	}
	b.setClientID(hello.ClientID)

	if err := b.write(connCtx, conn, Message{Type: TypeJoinFile, FileName: b.opts.FileName}); err != nil {
		return err
	}

	go b.flushPending(connCtx, conn, stop)

	for {
		var msg Message
		if err := wsjson.Read(connCtx, conn, &msg); err != nil {
			return err
		}
		b.handle(msg)
	}
}

// flushPending drains the queue onto the connection. An undelivered
// operation goes back to the head so order survives the reconnect.
func (b *Bridge) flushPending(ctx context.Context, conn *websocket.Conn, stop context.CancelFunc) {
	for {
		op, ok := b.pending.dequeue(ctx)
		if !ok {
			return
		}
		// Covers operations inherited from a previous process via the
		// file-backed queue, which never went through SendOperation here.
		b.rememberSent(op.ID)
		if err := b.write(ctx, conn, Message{Type: TypeOperation, Operation: &op}); err != nil {
			b.pending.requeueFront(op)
			stop()
			return
		}
	}
}

func (b *Bridge) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	wctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

const sentIDLimit = 512

// rememberSent records an operation this bridge queued. The hub assigns a
// fresh client identity per connection, so after a reconnect the catch-up
// log attributes the bridge's earlier operations to a stale identity; the
// ID set keeps them from coming back as remote edits.
func (b *Bridge) rememberSent(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sentIDs == nil {
		b.sentIDs = map[string]struct{}{}
	}
	if _, ok := b.sentIDs[id]; ok {
		return
	}
	b.sentIDs[id] = struct{}{}
	b.sentOrder = append(b.sentOrder, id)
	if len(b.sentOrder) > sentIDLimit {
		delete(b.sentIDs, b.sentOrder[0])
		b.sentOrder = b.sentOrder[1:]
	}
}

func (b *Bridge) sentOwn(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sentIDs[id]
	return ok
}

// advancePast reports whether seq is new and remembers it. Catch-up after
// a reconnect replays log entries the bridge may already have applied;
// the sequence watermark filters those out.
func (b *Bridge) advancePast(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.lastSeq {
		return false
	}
	b.lastSeq = seq
	return true
}

func (b *Bridge) handle(msg Message) {
	ownID := b.ClientID()
	switch msg.Type {
	case TypeOperation:
		if !b.advancePast(msg.Seq) {
			return
		}
		if msg.Operation == nil || msg.ClientID == ownID || b.opts.OnRemote == nil {
			return
		}
		if b.sentOwn(msg.Operation.ID) {
			return
		}
		b.opts.OnRemote(*msg.Operation)
	case TypeOperationsResponse:
		for _, entry := range msg.Operations {
			if !b.advancePast(entry.Seq) {
				continue
			}
			if entry.ClientID == ownID || b.opts.OnRemote == nil {
				continue
			}
			if b.sentOwn(entry.Operation.ID) {
				continue
			}
			b.opts.OnRemote(entry.Operation)
		}
	case TypeError:
		b.opts.Logger.Printf("synchub: hub rejected a message: %s", msg.Message)
	}
}
