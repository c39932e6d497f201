package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stacknote/stacknote/internal/history"
)

// pendingQueue holds operations waiting to reach the hub. With a path it
// is file backed so edits made while offline survive a restart; disk
// writes happen on a background goroutine so enqueueing from the engine's
// apply path never waits for the filesystem. An empty path keeps the
// queue in memory.
type pendingQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []history.Operation

	saveCh    chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
}

type pendingQueueState struct {
	Items []history.Operation `json:"items"`
}

func newPendingQueue(path string, capacity int) (*pendingQueue, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &pendingQueue{
		path:         strings.TrimSpace(path),
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []history.Operation{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	if q.path != "" {
		q.saveCh = make(chan struct{}, 1)
		q.stopCh = make(chan struct{})
		go q.writer()
	}
	return q, nil
}

func (q *pendingQueue) tryEnqueue(op history.Operation) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, op)
	q.mu.Unlock()
	q.scheduleSave()
	return true
}

// scheduleSave marks the on-disk copy stale; the writer goroutine catches
// up. Coalesces under load since the channel holds one pending signal.
func (q *pendingQueue) scheduleSave() {
	if q.saveCh == nil {
		return
	}
	select {
	case q.saveCh <- struct{}{}:
	default:
	}
}

func (q *pendingQueue) writer() {
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.saveCh:
			q.mu.Lock()
			err := q.saveLocked()
			q.mu.Unlock()
			if err != nil {
				time.Sleep(q.pollInterval)
				q.scheduleSave()
			}
		}
	}
}

// close stops the writer and flushes the queue to disk one last time.
func (q *pendingQueue) close() {
	if q.stopCh == nil {
		return
	}
	q.closeOnce.Do(func() {
		close(q.stopCh)
		q.mu.Lock()
		defer q.mu.Unlock()
		_ = q.saveLocked()
	})
}

func (q *pendingQueue) dequeue(ctx context.Context) (history.Operation, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]history.Operation{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return history.Operation{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return history.Operation{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// requeueFront puts a dequeued operation back at the head after a failed
// send, so delivery order is preserved across reconnects.
func (q *pendingQueue) requeueFront(op history.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]history.Operation{op}, q.items...)
	_ = q.saveLocked()
}

func (q *pendingQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *pendingQueue) load() error {
	if q.path == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot pendingQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]history.Operation(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]history.Operation(nil), snapshot.Items...)
	return nil
}

func (q *pendingQueue) saveLocked() error {
	if q.path == "" {
		return nil
	}
	snapshot := pendingQueueState{
		Items: append([]history.Operation(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
