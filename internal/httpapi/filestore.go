package httpapi

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stacknote/stacknote/internal/bufferstore"
	"github.com/stacknote/stacknote/internal/doctree"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// FileStore keeps document trees as flat JSON files under one directory.
// Names are sanitized on every call, so a hostile name can only ever
// address a file inside the directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: strings.TrimSpace(dir)}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, bufferstore.SanitizeKey(name))
}

func (s *FileStore) List() ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{Name: entry.Name(), Size: fi.Size(), Modified: fi.ModTime().UTC()})
	}
	// Most recently modified first, name as a stable tie-break.
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Modified.Equal(infos[j].Modified) {
			return infos[i].Modified.After(infos[j].Modified)
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

func (s *FileStore) Read(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write stores a document after checking it parses as a well formed tree.
func (s *FileStore) Write(name string, data []byte) error {
	var tree doctree.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	if err := tree.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := s.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Rename refuses to clobber an existing document.
func (s *FileStore) Rename(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.path(oldName)
	to := s.path(newName)
	if from == to {
		return nil
	}
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if _, err := os.Stat(to); err == nil {
		return ErrExists
	}
	return os.Rename(from, to)
}
