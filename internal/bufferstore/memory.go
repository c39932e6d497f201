package bufferstore

import (
	"encoding/json"
	"sync"

	"github.com/stacknote/stacknote/internal/history"
)

// MemoryBackend holds buffers in memory, for tests and ephemeral runs.
// Buffers are cloned through JSON on both save and load so callers can
// never share mutable state with the backend.
type MemoryBackend struct {
	mu      sync.Mutex
	buffers map[string]*history.Buffer
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buffers: map[string]*history.Buffer{}}
}

func (b *MemoryBackend) LoadBuffer(key string) (*history.Buffer, error) {
	if b == nil {
		return history.NewBuffer(), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[SanitizeKey(key)]
	if !ok {
		return history.NewBuffer(), nil
	}
	return cloneBuffer(buf)
}

func (b *MemoryBackend) SaveBuffer(key string, buf *history.Buffer) error {
	if b == nil || buf == nil {
		return nil
	}
	clone, err := cloneBuffer(buf)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[SanitizeKey(key)] = clone
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func cloneBuffer(buf *history.Buffer) (*history.Buffer, error) {
	data, err := json.Marshal(buf)
	if err != nil {
		return nil, err
	}
	var clone history.Buffer
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
