package bufferstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/stacknote/stacknote/internal/history"
)

// DirBackend keeps one JSON file per buffer under a directory. Saves go
// through a temp file and rename so a crash mid-write never leaves a
// truncated buffer behind.
type DirBackend struct {
	Dir string
}

func NewDirBackend(dir string) *DirBackend {
	return &DirBackend{Dir: strings.TrimSpace(dir)}
}

func (b *DirBackend) path(key string) string {
	return filepath.Join(b.Dir, SanitizeKey(key))
}

func (b *DirBackend) LoadBuffer(key string) (*history.Buffer, error) {
	if b == nil || strings.TrimSpace(b.Dir) == "" {
		return history.NewBuffer(), nil
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return history.NewBuffer(), nil
		}
		return nil, err
	}
	var buf history.Buffer
	if err := json.Unmarshal(data, &buf); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (b *DirBackend) SaveBuffer(key string, buf *history.Buffer) error {
	if b == nil || strings.TrimSpace(b.Dir) == "" || buf == nil {
		return nil
	}
	data, err := json.Marshal(buf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *DirBackend) Close() error {
	return nil
}
