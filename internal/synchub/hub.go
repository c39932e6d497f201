package synchub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/stacknote/stacknote/internal/bufferstore"
	"github.com/stacknote/stacknote/internal/history"
)

const (
	defaultOpLogLimit      = 1000
	defaultCatchUpLimit    = 100
	defaultClientQueueSize = 32
	hubWriteTimeout        = 5 * time.Second
)

type HubOptions struct {
	// OpLogLimit bounds the per-document operation log. Zero means 1000.
	OpLogLimit int
	// CatchUpLimit bounds how many logged operations a joining or
	// requesting client receives. Zero means 100.
	CatchUpLimit int
	// ClientQueueSize bounds each client's outbound queue; a client that
	// cannot drain it is disconnected. Zero means 32.
	ClientQueueSize int
	OriginPatterns  []string
	Logger          *log.Logger
}

// Hub fans operations out between the clients editing each document.
// Operations are stamped with a per-document sequence on arrival, which
// fixes the order every client converges on.
type Hub struct {
	opts HubOptions

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	name    string
	seq     uint64
	log     []SeqOperation
	clients map[string]*hubClient
}

type hubClient struct {
	id        string
	queue     chan Message
	closeSlow func()

	mu   sync.Mutex
	file string
}

func NewHub(opts HubOptions) *Hub {
	if opts.OpLogLimit <= 0 {
		opts.OpLogLimit = defaultOpLogLimit
	}
	if opts.CatchUpLimit <= 0 {
		opts.CatchUpLimit = defaultCatchUpLimit
	}
	if opts.ClientQueueSize <= 0 {
		opts.ClientQueueSize = defaultClientQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Hub{
		opts:     opts,
		sessions: map[string]*session{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.opts.Logger.Printf("synchub: accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection dropped")

	cl := &hubClient{
		id:    history.NewClientID(),
		queue: make(chan Message, h.opts.ClientQueueSize),
	}
	cl.closeSlow = func() {
		conn.Close(websocket.StatusPolicyViolation, "client cannot keep up")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go writePump(ctx, conn, cl.queue)

	cl.enqueue(Message{Type: TypeConnected, ClientID: cl.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		h.dispatch(cl, data)
	}
	h.disconnect(cl)
}

func writePump(ctx context.Context, conn *websocket.Conn, queue <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			wctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *hubClient) enqueue(msg Message) {
	select {
	case c.queue <- msg:
	default:
		c.closeSlow()
	}
}

func (c *hubClient) currentFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file
}

func (c *hubClient) setFile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.file = name
}

func (h *Hub) dispatch(cl *hubClient, data []byte) {
	if err := validateInbound(data); err != nil {
		cl.enqueue(Message{Type: TypeError, Message: err.Error()})
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		cl.enqueue(Message{Type: TypeError, Message: "malformed message"})
		return
	}

	switch msg.Type {
	case TypeJoinFile:
		h.join(cl, msg.FileName)
	case TypeLeaveFile:
		h.leave(cl)
	case TypeOperation:
		h.relay(cl, *msg.Operation)
	case TypeRequestOperations:
		h.sendOperationsSince(cl, msg.SinceSeq)
	}
}

func (h *Hub) join(cl *hubClient, fileName string) {
	fileName = bufferstore.SanitizeKey(fileName)
	h.leave(cl)

	h.mu.Lock()
	sess, ok := h.sessions[fileName]
	if !ok {
		sess = &session{name: fileName, clients: map[string]*hubClient{}}
		h.sessions[fileName] = sess
	}
	sess.clients[cl.id] = cl
	catchUp := tailOperations(sess.log, h.opts.CatchUpLimit)
	peers := sess.peersOf(cl.id)
	seq := sess.seq
	h.mu.Unlock()

	cl.setFile(fileName)
	cl.enqueue(Message{Type: TypeOperationsResponse, FileName: fileName, Seq: seq, Operations: catchUp})
	for _, peer := range peers {
		peer.enqueue(Message{Type: TypeClientJoined, FileName: fileName, ClientID: cl.id})
	}
}

func (h *Hub) leave(cl *hubClient) {
	fileName := cl.currentFile()
	if fileName == "" {
		return
	}
	cl.setFile("")

	h.mu.Lock()
	sess, ok := h.sessions[fileName]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(sess.clients, cl.id)
	peers := sess.peersOf("")
	h.mu.Unlock()

	for _, peer := range peers {
		peer.enqueue(Message{Type: TypeClientLeft, FileName: fileName, ClientID: cl.id})
	}
}

func (h *Hub) disconnect(cl *hubClient) {
	h.leave(cl)
}

// relay stamps the operation with the session's next sequence, logs it,
// and fans it out to everyone except the sender.
func (h *Hub) relay(cl *hubClient, op history.Operation) {
	fileName := cl.currentFile()
	if fileName == "" {
		cl.enqueue(Message{Type: TypeError, Message: "join a file before sending operations"})
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[fileName]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.seq++
	seq := sess.seq
	sess.log = append(sess.log, SeqOperation{Seq: seq, ClientID: cl.id, Timestamp: time.Now().UTC(), Operation: op})
	if len(sess.log) > h.opts.OpLogLimit {
		sess.log = append([]SeqOperation(nil), sess.log[len(sess.log)-h.opts.OpLogLimit:]...)
	}
	peers := sess.peersOf(cl.id)
	h.mu.Unlock()

	out := Message{Type: TypeOperation, FileName: fileName, ClientID: cl.id, Seq: seq, Operation: &op}
	for _, peer := range peers {
		peer.enqueue(out)
	}
	cl.enqueue(Message{Type: TypeOperation, FileName: fileName, ClientID: cl.id, Seq: seq})
}

func (h *Hub) sendOperationsSince(cl *hubClient, sinceSeq uint64) {
	fileName := cl.currentFile()
	if fileName == "" {
		cl.enqueue(Message{Type: TypeError, Message: "join a file before requesting operations"})
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[fileName]
	var ops []SeqOperation
	var seq uint64
	if ok {
		for _, entry := range sess.log {
			if entry.Seq > sinceSeq {
				ops = append(ops, entry)
			}
		}
		ops = tailOperations(ops, h.opts.CatchUpLimit)
		seq = sess.seq
	}
	h.mu.Unlock()

	cl.enqueue(Message{Type: TypeOperationsResponse, FileName: fileName, Seq: seq, Operations: ops})
}

// SessionCount reports how many documents currently have an active log.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (s *session) peersOf(excludeID string) []*hubClient {
	peers := make([]*hubClient, 0, len(s.clients))
	for id, peer := range s.clients {
		if id == excludeID {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

func tailOperations(ops []SeqOperation, limit int) []SeqOperation {
	if len(ops) > limit {
		ops = ops[len(ops)-limit:]
	}
	return append([]SeqOperation(nil), ops...)
}
